package router

import (
	"github.com/oklog/ulid/v2"
)

// Session and router-private method ids are ulids: unique, sortable by
// creation time, and opaque to both peers.

func NewSessionId() string {
	return ulid.Make().String()
}

func NewMethodId() string {
	return ulid.Make().String()
}
