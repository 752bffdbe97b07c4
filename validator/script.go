package validator

import (
	"fmt"
	"log"
	"sync"

	"github.com/dop251/goja"

	"github.com/tradewire/pocketsession/errs"
)

// scriptInstance owns an isolated goja runtime. goja runtimes are not safe
// for concurrent use, so every evaluation is serialized through mu.
type scriptInstance struct {
	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

// Script compiles a JavaScript predicate and wraps it as a validator. The
// source must evaluate to a function taking the frame text and returning a
// boolean, e.g. `(msg) => msg.includes("successopenDeal")`. Compilation
// failures surface here, never at match time. A runtime throw during
// evaluation counts as a non-match.
func Script(src string) (Validator, error) {
	rt := goja.New()
	value, err := rt.RunString(fmt.Sprintf("(%s)", src))
	if err != nil {
		return Validator{}, errs.New("validator/script", errs.CodeValidator,
			errs.WithMessage("script does not compile"), errs.WithCause(err))
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return Validator{}, errs.New("validator/script", errs.CodeValidator,
			errs.WithMessage("script must evaluate to a function"))
	}

	inst := &scriptInstance{rt: rt, fn: fn}
	return Custom(inst.validate), nil
}

func (s *scriptInstance) validate(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.fn(goja.Undefined(), s.rt.ToValue(frame))
	if err != nil {
		log.Printf("validator: script predicate threw: %v", err)
		return false
	}
	return res.ToBoolean()
}
