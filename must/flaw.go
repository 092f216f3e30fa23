package must

import (
	"errors"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

func BeFlaw(err error) *flaw.Flaw {
	if f := new(flaw.Flaw); errors.As(err, &f) {
		return f
	}
	panic("expected error to be of type *flaw.Flaw: " + errutil.UnknownError(err))
}
