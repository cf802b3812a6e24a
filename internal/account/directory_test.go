package account

import (
	"context"
	"testing"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
)

func TestDirectory(t *testing.T) {
	t.Parallel()
	d, err := NewDirectory("UTC", []Account{
		{ID: "a", TimeZone: "Asia/Jakarta", Channels: map[domain.Channel]channel.Credentials{
			domain.ChannelSMS: {Username: "AC1", Secret: "tok"},
		}},
		{ID: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Location("a").String(); got != "Asia/Jakarta" {
		t.Fatalf("a zone = %s", got)
	}
	if d.Location("b") != time.UTC || d.Location("unknown") != time.UTC {
		t.Fatal("accounts without a zone use the default")
	}
	if c, ok := d.Credentials(context.Background(), "a", domain.ChannelSMS); !ok || c.Username != "AC1" {
		t.Fatalf("sms creds = %+v ok=%v", c, ok)
	}
	if _, ok := d.Credentials(context.Background(), "a", domain.ChannelEmail); ok {
		t.Fatal("no email override configured")
	}
}

func TestApplyRejectsBadZone(t *testing.T) {
	t.Parallel()
	d, _ := NewDirectory("UTC", nil)
	if err := d.Apply("UTC", []Account{{ID: "a", TimeZone: "Mars/Olympus"}}); err == nil {
		t.Fatal("unknown zone must fail")
	}
	if err := d.Apply("UTC", []Account{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatal("duplicate ids must fail")
	}
	if d.Location("a") != time.UTC {
		t.Fatal("failed apply must keep the previous table")
	}
}
