package errutil

import (
	"fmt"

	"github.com/xeptore/flaw/v8"
)

// ErrInfo is one node of an error chain. Kind is set for errors that classify
// themselves with a KindName method.
type ErrInfo struct {
	Message    string
	TypeName   string
	SyntaxRepr string
	Kind       string
	Children   []ErrInfo
}

func (e ErrInfo) FlawP() flaw.P {
	var children []flaw.P
	if len(e.Children) > 0 {
		children = make([]flaw.P, len(e.Children))
		for i, child := range e.Children {
			children[i] = child.FlawP()
		}
	}

	out := flaw.P{
		"message":     e.Message,
		"type_name":   e.TypeName,
		"syntax_repr": e.SyntaxRepr,
		"children":    children,
	}
	if e.Kind != "" {
		out["kind"] = e.Kind
	}
	return out
}

// Tree walks err's whole chain, following both single and joined wrapping.
func Tree(err error) ErrInfo {
	if err == nil {
		panic("nil error")
	}

	var children []ErrInfo
	//nolint:errorlint
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); nil != inner {
			children = []ErrInfo{Tree(inner)}
		}
	case interface{ Unwrap() []error }:
		errs := x.Unwrap()
		children = make([]ErrInfo, 0, len(errs))
		for _, inner := range errs {
			children = append(children, Tree(inner))
		}
	}
	return node(err, children)
}

func node(err error, children []ErrInfo) ErrInfo {
	info := ErrInfo{
		Message:    err.Error(),
		TypeName:   fmt.Sprintf("%T", err),
		SyntaxRepr: fmt.Sprintf("%+#v", err),
		Kind:       "",
		Children:   children,
	}
	//nolint:errorlint
	if k, ok := err.(interface{ KindName() string }); ok {
		info.Kind = k.KindName()
	}
	return info
}
