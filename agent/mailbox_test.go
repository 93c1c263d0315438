package agent

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcastMsg struct {
	Seq int
}

func TestMPMCDeliveryFansOutToAllSubscribers(t *testing.T) {
	const subscribers = 5

	var calls atomic.Int64
	handled := make(chan struct{}, subscribers)

	runEnv(t, func(env *Environment) error {
		news := env.NewMPMCMailbox("news")

		err := env.IntroduceCoop(func(c *Cooperation) error {
			for i := 0; i < subscribers; i++ {
				a := &testAgent{}
				a.define = func(a *testAgent) error {
					return a.Subscribe(news).Event(func(msg *broadcastMsg) {
						calls.Add(1)
						handled <- struct{}{}
					})
				}
				if err := c.AddAgent(a); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		require.NoError(t, news.Deliver(&broadcastMsg{Seq: 1}))

		for i := 0; i < subscribers; i++ {
			select {
			case <-handled:
			case <-time.After(2 * time.Second):
				t.Fatal("subscriber did not receive the broadcast")
			}
		}
		assert.Equal(t, int64(subscribers), calls.Load())

		env.Stop()
		return nil
	})
}

func TestMPMCDeliveryWithoutSubscriberIsNotAnError(t *testing.T) {
	runEnv(t, func(env *Environment) error {
		lonely := env.NewMPMCMailbox()
		assert.NoError(t, lonely.Deliver(&broadcastMsg{}))
		env.Stop()
		return nil
	})
}

func TestDirectDeliveryWithoutSubscriberFails(t *testing.T) {
	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		err = a.DirectMailbox().Deliver(&broadcastMsg{})
		assert.Equal(t, ErrUnknownMessageType, ErrorCodeOf(err))

		env.Stop()
		return nil
	})
}

func TestDirectMailboxRejectsDuplicateHandler(t *testing.T) {
	defineResult := make(chan error, 1)

	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			mbox := a.DirectMailbox()
			if err := a.Subscribe(mbox).Event(func(msg *broadcastMsg) {}); err != nil {
				return err
			}
			defineResult <- a.Subscribe(mbox).Event(func(msg *broadcastMsg) {})
			return nil
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		select {
		case err := <-defineResult:
			assert.Equal(t, ErrDuplicateHandler, ErrorCodeOf(err))
		case <-time.After(2 * time.Second):
			t.Fatal("define did not run")
		}

		env.Stop()
		return nil
	})
}

func TestMPMCResubscribeReplacesHandler(t *testing.T) {
	var tr trace
	handled := make(chan struct{}, 1)

	runEnv(t, func(env *Environment) error {
		news := env.NewMPMCMailbox()
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			if err := a.Subscribe(news).Event(func(msg *broadcastMsg) {
				tr.add("first")
				handled <- struct{}{}
			}); err != nil {
				return err
			}
			return a.Subscribe(news).Event(func(msg *broadcastMsg) {
				tr.add("second")
				handled <- struct{}{}
			})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		require.NoError(t, news.Deliver(&broadcastMsg{}))
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not run")
		}
		assert.Equal(t, []string{"second"}, tr.snapshot())

		env.Stop()
		return nil
	})
}

func TestSubscribeThenUnsubscribeDropsDelivery(t *testing.T) {
	var handled atomic.Int64
	probeDone := make(chan struct{}, 1)

	runEnv(t, func(env *Environment) error {
		news := env.NewMPMCMailbox()
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			if err := a.Subscribe(news).Event(func(msg *broadcastMsg) {
				handled.Add(1)
			}); err != nil {
				return err
			}
			if err := a.UnsubscribeAll(news, TypeOf[broadcastMsg]()); err != nil {
				return err
			}
			// A probe on the direct mailbox proves the queue drained past
			// the point where the broadcast would have arrived.
			return a.Subscribe(a.DirectMailbox()).Event(func(msg *probeMsg) {
				probeDone <- struct{}{}
			})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		require.NoError(t, news.Deliver(&broadcastMsg{}))
		require.NoError(t, a.DirectMailbox().Deliver(&probeMsg{}))

		select {
		case <-probeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("probe did not run")
		}
		assert.Equal(t, int64(0), handled.Load())

		env.Stop()
		return nil
	})
}

type probeMsg struct {
	Signal
}

func TestDeliveryFilterSkipsRejectedMessages(t *testing.T) {
	var tr trace
	handled := make(chan struct{}, 8)

	runEnv(t, func(env *Environment) error {
		news := env.NewMPMCMailbox()
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			if err := a.SetDeliveryFilter(news, func(msg *broadcastMsg) bool {
				return msg.Seq%2 == 0
			}); err != nil {
				return err
			}
			return a.Subscribe(news).Event(func(msg *broadcastMsg) {
				tr.add(fmt.Sprintf("seq-%d", msg.Seq))
				handled <- struct{}{}
			})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		for seq := 1; seq <= 4; seq++ {
			require.NoError(t, news.Deliver(&broadcastMsg{Seq: seq}))
		}

		for i := 0; i < 2; i++ {
			select {
			case <-handled:
			case <-time.After(2 * time.Second):
				t.Fatal("accepted message did not arrive")
			}
		}
		assert.Equal(t, []string{"seq-2", "seq-4"}, tr.snapshot())

		env.Stop()
		return nil
	})
}

func TestDeliveryFilterOnDirectMailboxIsRejected(t *testing.T) {
	defineResult := make(chan error, 1)

	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			defineResult <- a.SetDeliveryFilter(a.DirectMailbox(), func(msg *broadcastMsg) bool {
				return true
			})
			return nil
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		select {
		case err := <-defineResult:
			assert.Equal(t, ErrFilterOnDirectMailbox, ErrorCodeOf(err))
		case <-time.After(2 * time.Second):
			t.Fatal("define did not run")
		}

		env.Stop()
		return nil
	})
}

func TestNamedMailboxIsSharedByName(t *testing.T) {
	runEnv(t, func(env *Environment) error {
		first := env.NewMPMCMailbox("shared")
		second := env.NewMPMCMailbox("shared")
		other := env.NewMPMCMailbox("other")

		assert.Equal(t, first.ID(), second.ID())
		assert.NotEqual(t, first.ID(), other.ID())
		assert.Equal(t, "shared", first.Name())

		env.Stop()
		return nil
	})
}

func TestDeliverRejectsNonPointerMessages(t *testing.T) {
	runEnv(t, func(env *Environment) error {
		news := env.NewMPMCMailbox()

		err := news.Deliver(broadcastMsg{})
		assert.Equal(t, ErrInvalidMessage, ErrorCodeOf(err))

		err = news.Deliver(nil)
		assert.Equal(t, ErrInvalidMessage, ErrorCodeOf(err))

		env.Stop()
		return nil
	})
}
