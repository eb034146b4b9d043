package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"postwise/internal/calendar"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// FieldError is one failed struct rule.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e FieldError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: failed %s=%s", e.Field, e.Tag, e.Param)
	}
	return fmt.Sprintf("%s: failed %s", e.Field, e.Tag)
}

// Validate checks struct rules first, then cross-field rules that tags
// cannot express (durations, timezones, page regions).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			out = append(out, FieldError{Field: field, Tag: fe.Tag(), Param: fe.Param()})
		}
		return errors.Join(out...)
	}

	var problems []error
	fields := cfg.durationFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := ParseDurationField(k, fields[k]); err != nil {
			problems = append(problems, err)
		}
	}

	if cfg.Retrain != nil && strings.TrimSpace(cfg.Retrain.Timezone) != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(cfg.Retrain.Timezone)); err != nil {
			problems = append(problems, fmt.Errorf("retrain.timezone: %w", err))
		}
	}

	cal, err := calendar.New(cfg.RegionProfiles())
	if err != nil {
		problems = append(problems, fmt.Errorf("regions: %w", err))
	} else {
		for _, id := range cfg.PageIDs() {
			if _, err := cal.Location(calendar.ParseRegion(cfg.Pages[id].Region)); err != nil {
				problems = append(problems, fmt.Errorf("pages.%s.region: %w", id, err))
			}
		}
	}
	return errors.Join(problems...)
}
