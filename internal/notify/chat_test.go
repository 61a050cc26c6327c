package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/sla-tracker/internal/testutil"
)

func TestNATSChatSender(t *testing.T) {
	_, nc, _ := testutil.StartJetStream(t)

	sub, err := nc.SubscribeSync(ChatSubjectPrefix + "*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sender := NewNATSChatSender(zaptest.NewLogger(t), nc)
	require.NoError(t, sender.SendChat(context.Background(), "sla-alerts", "breached"))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "notify.chat.sla-alerts", msg.Subject)

	var payload ChatMessage
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "sla-alerts", payload.Channel)
	assert.Equal(t, "breached", payload.Message)

	nc.Close()
	assert.Error(t, sender.SendChat(context.Background(), "sla-alerts", "again"))
}

func TestLogSenders(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.NoError(t, NewLogEmailSender(logger).SendEmail(context.Background(), []string{"a@b.co"}, "s", "b"))
	assert.NoError(t, NewLogChatSender(logger).SendChat(context.Background(), "c", "m"))
}
