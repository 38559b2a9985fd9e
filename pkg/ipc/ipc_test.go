package ipc

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

func TestHandshakeOverPipes(t *testing.T) {
	pipes, err := NewPipes()
	require.NoError(t, err)
	parent := pipes.Parent
	child := NewChannel(pipes.ExtraFiles[0], pipes.ExtraFiles[1])
	defer parent.Close()

	require.NoError(t, child.Send(Message{Ready: true}))
	msg, err := parent.Receive()
	require.NoError(t, err)
	assert.True(t, msg.Ready)

	desc := &metadata.FunctionDescriptor{Name: "projects/p/locations/l/functions/f", Trigger: metadata.TriggerEvent}
	require.NoError(t, parent.Send(Message{Config: &Config{
		Function: desc,
		Mock:     true,
		Debug:    &DebugOptions{Type: DebugTypeInspect, Port: 9230, Pause: true},
		Mode:     ModeServe,
	}}))
	msg, err = child.Receive()
	require.NoError(t, err)
	require.NotNil(t, msg.Config)
	assert.Equal(t, desc.Name, msg.Config.Function.Name)
	assert.True(t, msg.Config.Mock)
	assert.Equal(t, 9230, msg.Config.Debug.Port)
	assert.Equal(t, ModeServe, msg.Config.Mode)

	require.NoError(t, child.Send(Message{Port: 41234}))
	msg, err = parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, 41234, msg.Port)

	require.NoError(t, child.Close())
	_, err = parent.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, child.Send(Message{Close: true}), ErrChannelClosed)
}

func TestResultMessageKeepsRawJSON(t *testing.T) {
	raw, err := json.Marshal(Message{Result: json.RawMessage(`{"value":42}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"value":42}}`, string(raw))
}

func TestMalformedLine(t *testing.T) {
	r, w := io.Pipe()
	ch := NewChannel(r, w)
	go func() {
		_, _ = w.Write([]byte("\nnot json\n"))
	}()

	_, err := ch.Receive()
	var malformed *MalformedMessageError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "not json", malformed.Line)
	ch.Close()
}

func TestChildChannelWithoutParent(t *testing.T) {
	t.Setenv(EnvChannel, "")
	_, err := ChildChannel()
	assert.ErrorIs(t, err, ErrNoParent)
}
