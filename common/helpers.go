package common

import (
	"fmt"

	"github.com/mailru/easyjson"
)

// mustMarshal encodes command parameters built from generated cdproto
// types. Failing to encode one is a programmer error, not a runtime
// condition.
func mustMarshal(params easyjson.Marshaler) easyjson.RawMessage {
	buf, err := easyjson.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("cannot marshal command params %T: %v", params, err))
	}
	return buf
}

// replyTo delivers a result to a single-use reply channel without
// blocking. A caller that gave up on its request simply loses the reply.
func replyTo[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
