// Package apub holds the federation-facing contracts of the server: global
// object references, the object resolver, and the outbound activity queue.
package apub

import (
	"errors"
	"fmt"
)

// ObjectKind tags an ObjectRef with the type of entity it names.
type ObjectKind string

const (
	KindCommunity = ObjectKind("community")
	KindPerson    = ObjectKind("person")
	KindPost      = ObjectKind("post")
)

var ErrUnknownObjectKind = errors.New("unknown object kind")

// ObjectRef is a typed, globally unique reference to a community, person or
// post, regardless of which server hosts it. Two refs are the same object iff
// their URIs are equal.
type ObjectRef struct {
	Kind ObjectKind
	URI  string
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.URI)
}

// CommunityRef builds a community reference from an ap_id URI.
func CommunityRef(uri string) ObjectRef {
	return ObjectRef{Kind: KindCommunity, URI: uri}
}

func PersonRef(uri string) ObjectRef {
	return ObjectRef{Kind: KindPerson, URI: uri}
}

func PostRef(uri string) ObjectRef {
	return ObjectRef{Kind: KindPost, URI: uri}
}

// Object is the result of resolving a reference: the local row id of the
// entity, tagged with its kind. Once a ref is resolved the ref itself is no
// longer needed.
type Object struct {
	Kind ObjectKind
	ID   uint
}
