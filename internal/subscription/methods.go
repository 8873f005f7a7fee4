package subscription

import "sort"

// unsubscribeByMethod pairs each supported subscribe method with its
// upstream unsubscribe method. The unsubscribe RPC is invoked with
// params [<upstream id>].
var unsubscribeByMethod = map[string]string{
	"accountSubscribe":   "accountUnsubscribe",
	"logsSubscribe":      "logsUnsubscribe",
	"programSubscribe":   "programUnsubscribe",
	"rootSubscribe":      "rootUnsubscribe",
	"signatureSubscribe": "signatureUnsubscribe",
	"slotSubscribe":      "slotUnsubscribe",
}

// IsSubscribeMethod reports whether method is a supported subscribe
// method.
func IsSubscribeMethod(method string) bool {
	_, ok := unsubscribeByMethod[method]
	return ok
}

// UnsubscribeMethod returns the paired unsubscribe method name.
func UnsubscribeMethod(method string) (string, bool) {
	unsub, ok := unsubscribeByMethod[method]
	return unsub, ok
}

// Methods returns the supported subscribe methods in sorted order.
func Methods() []string {
	out := make([]string, 0, len(unsubscribeByMethod))
	for m := range unsubscribeByMethod {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
