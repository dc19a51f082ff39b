package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/sdc-agent/policy"
	"github.com/houzhh15/sdc-agent/tunnel/brokertest"
)

func newTestSupervisor(t *testing.T, broker *brokertest.Broker, rules RulesFunc, maxRetries int) (*Supervisor, <-chan error) {
	t.Helper()
	sup, err := NewSupervisor(&SupervisorConfig{
		Session:      testConfig(t, broker),
		Rules:        rules,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		MaxRetries:   maxRetries,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(context.Background()) }()
	t.Cleanup(func() { sup.Stop() })
	return sup, errCh
}

// waitRunning 等待当前会话进入 running 并返回它
func waitRunning(t *testing.T, sup *Supervisor, not *Session) *Session {
	t.Helper()
	var sess *Session
	require.Eventually(t, func() bool {
		sess = sup.Current()
		return sess != nil && sess != not && sess.State() == StateRunning
	}, 5*time.Second, 5*time.Millisecond)
	return sess
}

func TestSupervisor_ReconnectsAfterDialFailures(t *testing.T) {
	broker := brokertest.New(t)
	broker.FailNext(3)

	sup, errCh := newTestSupervisor(t, broker, nil, 0)
	first := waitRunning(t, sup, nil)
	assert.Equal(t, 4, broker.Dials())

	// broker 断开后重建新会话
	broker.Accept().Close()
	second := waitRunning(t, sup, first)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Error(t, sup.LastError())

	require.NoError(t, sup.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, StateClosed, second.State())
}

func TestSupervisor_GivesUp(t *testing.T) {
	broker := brokertest.New(t)
	broker.FailNext(100)

	_, errCh := newTestSupervisor(t, broker, nil, 3)
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, brokertest.ErrDialRefused))
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	assert.Equal(t, 4, broker.Dials())
}

func TestSupervisor_RestartReloadsRules(t *testing.T) {
	broker := brokertest.New(t)
	var loads atomic.Int32
	rules := func() ([]*policy.ResourceRule, error) {
		n := loads.Add(1)
		return []*policy.ResourceRule{
			{RuleNum: int(n), AgentID: "agent-1", URL: "https://git.corp", URLMatch: policy.MatchHostPort, SecretKey: int64(100 + n)},
		}, nil
	}

	sup, _ := newTestSupervisor(t, broker, rules, 0)
	first := waitRunning(t, sup, nil)
	p1 := broker.Accept()
	reg := <-p1.Register
	assert.Equal(t, int64(101), reg.ResourceKeys[0].Key)

	sup.Restart()
	second := waitRunning(t, sup, first)
	p2 := broker.Accept()
	reg = <-p2.Register
	assert.Equal(t, int64(102), reg.ResourceKeys[0].Key)
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, StateClosed, first.State())

	status := sup.Status().(map[string]interface{})
	sessStatus := status["session"].(map[string]interface{})
	assert.Equal(t, second.ID(), sessStatus["session_id"])
}

func TestSupervisor_RulesError(t *testing.T) {
	broker := brokertest.New(t)
	var calls atomic.Int32
	rules := func() ([]*policy.ResourceRule, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("rules file missing")
		}
		return nil, nil
	}

	sup, _ := newTestSupervisor(t, broker, rules, 0)
	waitRunning(t, sup, nil)
	assert.Equal(t, 1, broker.Dials())
}

func TestSupervisor_StopBeforeRun(t *testing.T) {
	sup, err := NewSupervisor(&SupervisorConfig{Session: testConfig(t, brokertest.New(t))})
	require.NoError(t, err)
	require.NoError(t, sup.Stop())
	require.NoError(t, sup.Stop())
	assert.NoError(t, sup.Run(context.Background()))
	assert.Nil(t, sup.Current())
}

func TestNewSupervisor_Validation(t *testing.T) {
	_, err := NewSupervisor(nil)
	assert.Error(t, err)
	_, err = NewSupervisor(&SupervisorConfig{})
	assert.Error(t, err)
}
