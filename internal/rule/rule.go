package rule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound = errors.New("rule not found")
	ErrInvalid  = errors.New("invalid rule")
)

// Actions are applied in field order: StripCSP, StripXFO, InjectCSP, RemoveHeaders,
// AddHeaders.
type Actions struct {
	StripCSP      bool              `json:"stripCSP,omitempty"`
	StripXFO      bool              `json:"stripXFO,omitempty"`
	InjectCSP     string            `json:"injectCSP,omitempty"`
	AddHeaders    map[string]string `json:"addHeaders,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty" validate:"omitempty,dive,required"`
}

type Rule struct {
	ID          string  `json:"id" validate:"required"`
	HostPattern string  `json:"hostPattern" validate:"required"`
	PathPattern string  `json:"pathPattern,omitempty"`
	Actions     Actions `json:"actions"`
	Enabled     bool    `json:"enabled"`
}

var validate = validator.New()

func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Matches reports whether r is enabled and applies to a response for host and path.
// Host comparison ignores case; path comparison does not.
func (r *Rule) Matches(host, path string) bool {
	if !r.Enabled || r.HostPattern == "" {
		return false
	}
	if !strings.Contains(strings.ToLower(host), strings.ToLower(r.HostPattern)) {
		return false
	}
	return r.PathPattern == "" || strings.Contains(path, r.PathPattern)
}

func (r Rule) clone() Rule {
	c := r
	if r.Actions.AddHeaders != nil {
		c.Actions.AddHeaders = make(map[string]string, len(r.Actions.AddHeaders))
		for k, v := range r.Actions.AddHeaders {
			c.Actions.AddHeaders[k] = v
		}
	}
	if r.Actions.RemoveHeaders != nil {
		c.Actions.RemoveHeaders = append([]string(nil), r.Actions.RemoveHeaders...)
	}
	return c
}
