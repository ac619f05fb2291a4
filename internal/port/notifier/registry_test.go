package notifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/AdFactory/internal/port/notifier"
)

type stubNotifier struct{ name string }

func (s stubNotifier) Name() string                                      { return s.name }
func (s stubNotifier) Send(context.Context, notifier.Notification) error { return nil }

func init() {
	notifier.Register("stub-ok", func(settings map[string]string) (notifier.Notifier, error) {
		if settings["webhook_url"] == "" {
			return nil, notifier.ErrNotConfigured
		}
		return stubNotifier{name: "stub-ok"}, nil
	})
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		providers map[string]map[string]string
		want      int
		wantErr   bool
	}{
		{"configured", map[string]map[string]string{"stub-ok": {"webhook_url": "https://hooks.test/x"}}, 1, false},
		{"skipped without url", map[string]map[string]string{"stub-ok": {}}, 0, false},
		{"unknown provider", map[string]map[string]string{"pager": {}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := notifier.Build(tt.providers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d notifiers, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	notifier.Register("stub-ok", nil)
}

func TestNewUnknown(t *testing.T) {
	_, err := notifier.New("nope", nil)
	if err == nil || errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
