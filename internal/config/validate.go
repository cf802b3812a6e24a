package config

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"greetd/internal/domain"
	"greetd/internal/task"
	"greetd/pkg/validate"
)

func init() {
	v := validate.Default()
	for tag, fn := range map[string]validator.Func{
		"duration":    durationRule,
		"schedule":    scheduleRule,
		"channelname": domain.ChannelNameRule,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	v.RegisterStructValidation(crossRules, Config{})
}

// Validate performs static checks that do not need any running component.
// All problems are reported together, each prefixed with its path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return validate.Fields(validate.Default().Struct(cfg))
}

// durationRule backs the "duration" tag; see ParseDurationField.
func durationRule(fl validator.FieldLevel) bool {
	_, err := ParseDurationField("", fl.Field().String())
	return err == nil
}

// scheduleRule backs the "schedule" tag; see task.ParseSchedule.
func scheduleRule(fl validator.FieldLevel) bool {
	_, err := task.ParseSchedule(fl.Field().String())
	return err == nil
}

// crossRules holds the checks that span sections.
func crossRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if strings.TrimSpace(cfg.Render.Endpoint) != "" && strings.TrimSpace(cfg.Blob.Root) == "" {
		sl.ReportError(cfg.Blob.Root, "blob.root", "Root", "required_with", "render.endpoint")
	}
}
