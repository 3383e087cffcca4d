package natsutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	tu "github.com/verifa/testidp/pkg/testutil"
)

func TestServerPubSub(t *testing.T) {
	ns, err := NewServer(WithFindAvailablePort(true))
	tu.AssertNoError(t, err)
	tu.AssertNoError(t, ns.StartUntilReady())
	t.Cleanup(ns.Shutdown)

	sub, err := ns.Conn()
	tu.AssertNoError(t, err)
	t.Cleanup(sub.Close)
	ch := make(chan string, 1)
	_, err = sub.Subscribe("greetings", func(msg *nats.Msg) {
		ch <- string(msg.Data)
	})
	tu.AssertNoError(t, err)
	tu.AssertNoError(t, sub.Flush())

	pub, err := ns.Conn()
	tu.AssertNoError(t, err)
	t.Cleanup(pub.Close)
	tu.AssertNoError(t, pub.Publish("greetings", []byte("hello")))

	select {
	case got := <-ch:
		tu.AssertEqual(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
