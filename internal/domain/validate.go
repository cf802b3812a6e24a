package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"greetd/pkg/validate"
)

func init() {
	v := validate.Default()
	if err := v.RegisterValidation("channel", ChannelRule); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("channelname", ChannelNameRule); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(entryRules, QueueEntry{})
}

// ChannelRule backs the "channel" tag: the field is a known channel.
func ChannelRule(fl validator.FieldLevel) bool {
	return Channel(fl.Field().String()).Valid()
}

// ChannelNameRule backs the "channelname" tag for user input, which
// ParseChannel accepts in any case.
func ChannelNameRule(fl validator.FieldLevel) bool {
	_, err := ParseChannel(fl.Field().String())
	return err == nil
}

// entryRules: an entry carries a body, attachments or both.
func entryRules(sl validator.StructLevel) {
	q := sl.Current().Interface().(QueueEntry)
	if strings.TrimSpace(q.Body) == "" && len(q.Attachments) == 0 {
		sl.ReportError(q.Body, "Body", "Body", "required_without", "Attachments")
	}
}

// violation maps the first failed field to its sentinel error. Rules that
// reject a value keep the value in the message.
func violation(err error, sentinels map[string]error) error {
	err = validate.Fields(err)
	fe := validate.First(err)
	if fe == nil {
		return err
	}
	sentinel, ok := sentinels[fe.Field]
	if !ok {
		return err
	}
	switch fe.Tag {
	case "oneof", "channel":
		return fmt.Errorf("%w: %q", sentinel, fmt.Sprint(fe.Value))
	}
	return sentinel
}
