package rabbitmq_test

import (
	"errors"
	"testing"

	"github.com/next-trace/scg-courier/adapters/rabbitmq"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

func TestNewWithAMQPConn_EmptyURL(t *testing.T) {
	_, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: "", ConnTimeout: 0})
	if err == nil {
		t.Fatalf("expected error for empty URL")
	}

	if !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}
