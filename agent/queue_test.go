package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqMsg struct {
	Seq int
}

func TestDemandsOfOneAgentExecuteInPushOrder(t *testing.T) {
	const messages = 1000

	var tr trace
	done := make(chan struct{})

	runEnv(t, func(env *Environment) error {
		a := &testAgent{}
		a.define = func(a *testAgent) error {
			return a.Subscribe(a.DirectMailbox()).Event(func(msg *seqMsg) {
				tr.add(fmt.Sprintf("%d", msg.Seq))
				if msg.Seq == messages-1 {
					close(done)
				}
			})
		}

		err := env.IntroduceCoop(func(c *Cooperation) error {
			return c.AddAgent(a)
		})
		require.NoError(t, err)

		mbox := a.DirectMailbox()
		for i := 0; i < messages; i++ {
			require.NoError(t, mbox.Deliver(&seqMsg{Seq: i}))
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("messages were not drained")
		}

		got := tr.snapshot()
		require.Len(t, got, messages)
		for i, event := range got {
			assert.Equal(t, fmt.Sprintf("%d", i), event)
		}

		env.Stop()
		return nil
	})
}

func TestOneThreadDispatcherKeepsGlobalFIFO(t *testing.T) {
	const rounds = 100

	var tr trace
	done := make(chan struct{})

	config := testConfig()
	config.Dispatchers = map[string]Dispatcher{
		"serial": NewOneThreadDispatcher(OneThreadConfig{Logger: NewNoOpLogger()}),
	}

	runEnvWithConfig(t, func(env *Environment) error {
		binder := env.Dispatcher("serial").Binder()

		newRecorder := func(label string) *testAgent {
			a := &testAgent{}
			a.define = func(a *testAgent) error {
				return a.Subscribe(a.DirectMailbox()).Event(func(msg *seqMsg) {
					tr.add(fmt.Sprintf("%s-%d", label, msg.Seq))
					if label == "b" && msg.Seq == rounds-1 {
						close(done)
					}
				})
			}
			return a
		}

		first := newRecorder("a")
		second := newRecorder("b")

		err := env.IntroduceCoop(func(c *Cooperation) error {
			if err := c.AddAgent(first, binder); err != nil {
				return err
			}
			return c.AddAgent(second, binder)
		})
		require.NoError(t, err)

		for i := 0; i < rounds; i++ {
			require.NoError(t, first.DirectMailbox().Deliver(&seqMsg{Seq: i}))
			require.NoError(t, second.DirectMailbox().Deliver(&seqMsg{Seq: i}))
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("messages were not drained")
		}

		// One worker, one shared FIFO: the global execution order matches
		// the delivery order exactly.
		want := make([]string, 0, 2*rounds)
		for i := 0; i < rounds; i++ {
			want = append(want, fmt.Sprintf("a-%d", i), fmt.Sprintf("b-%d", i))
		}
		assert.Equal(t, want, tr.snapshot())

		env.Stop()
		return nil
	}, config)
}

func TestAgentsRunConcurrentlyOnThreadPool(t *testing.T) {
	release := make(chan struct{})
	parked := make(chan struct{}, 2)

	runEnv(t, func(env *Environment) error {
		newBlocker := func() *testAgent {
			a := &testAgent{}
			a.define = func(a *testAgent) error {
				return a.Subscribe(a.DirectMailbox()).Event(func(msg *probeMsg) {
					parked <- struct{}{}
					<-release
				})
			}
			return a
		}

		first := newBlocker()
		second := newBlocker()
		err := env.IntroduceCoop(func(c *Cooperation) error {
			if err := c.AddAgent(first); err != nil {
				return err
			}
			return c.AddAgent(second)
		})
		require.NoError(t, err)

		require.NoError(t, first.DirectMailbox().Deliver(&probeMsg{}))
		require.NoError(t, second.DirectMailbox().Deliver(&probeMsg{}))

		// Both handlers are parked simultaneously, so two workers are
		// executing two agents in parallel.
		for i := 0; i < 2; i++ {
			select {
			case <-parked:
			case <-time.After(2 * time.Second):
				t.Fatal("agents did not run in parallel")
			}
		}
		close(release)

		env.Stop()
		return nil
	})
}
