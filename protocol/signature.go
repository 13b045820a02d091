// File: protocol/signature.go
//
// Type fingerprinting for the channel handshake. Both peers compute the
// fingerprint of the metadata struct they intend to exchange; only the exact
// same field layout produces the same string.

package protocol

import (
	"fmt"
	"reflect"
	"strings"
)

// Signature returns a deterministic fingerprint of v's type: the type name
// followed by every exported field's name and kind in declaration order.
// Non-struct values fingerprint to their kind alone.
func Signature(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if t.Kind() != reflect.Struct {
		return t.Kind().String()
	}
	var b strings.Builder
	b.WriteString(t.Name())
	b.WriteByte('{')
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%s", f.Name, f.Type.Kind())
	}
	b.WriteByte('}')
	return b.String()
}

// RequestSignature is the fingerprint of the metadata struct carried on the
// descriptor channel. Computed once; the handshake must match it exactly.
var RequestSignature = Signature(SocketRequest{})
