package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshalMongoShape(t *testing.T) {
	raw := `{"_id":"m1","chatId":"c1","sender":{"_id":"u1","userName":"ana","type":"farmer"},
		"content":"hi","createdAt":"2024-05-01T10:00:00.000Z","read":true}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "u1", m.Sender)
	assert.True(t, m.Read)
	assert.Nil(t, m.Timestamp)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), m.EffectiveTime())
}

func TestMessageEffectiveTimePrefersTimestamp(t *testing.T) {
	raw := `{"id":"m2","chatId":"c1","sender":"u2","content":"x",
		"createdAt":"2024-05-01T10:00:00Z","timestamp":1714557660000,"clientTempId":"t-1"}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	require.NotNil(t, m.Timestamp)
	assert.Equal(t, "t-1", m.ClientTempID)
	assert.Equal(t, time.UnixMilli(1714557660000).UTC(), m.EffectiveTime())
}

func TestMessageNormalize(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var bare Message
	bare.Normalize(now)
	assert.Equal(t, now, bare.CreatedAt)

	ts := now.Add(-time.Hour)
	withTS := Message{Timestamp: &ts}
	withTS.Normalize(now)
	assert.Equal(t, ts, withTS.CreatedAt)
}

func TestMessageRejectsBadSender(t *testing.T) {
	var m Message
	assert.Error(t, json.Unmarshal([]byte(`{"id":"m","sender":42}`), &m))
}

func TestChatUnmarshal(t *testing.T) {
	raw := `{"_id":"c1","participants":[{"_id":"u1","userName":"ana"},{"id":"u2","username":"ben","role":"client"}],
		"lastMessage":{"_id":"m9","chatId":"c1","sender":"u2","content":"yo","createdAt":"2024-05-01T10:00:00Z"},
		"unreadCount":-3}`

	var c Chat
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, "c1", c.ID)
	assert.Zero(t, c.UnreadCount)
	assert.Equal(t, c.LastMessage.EffectiveTime(), c.UpdatedAt)
	require.NotNil(t, c.Counterpart("u1"))
	assert.Equal(t, "ben", c.Counterpart("u1").UserName)
	assert.Equal(t, RoleClient, c.Counterpart("u1").Role)
}

func TestChatCloneIsDeep(t *testing.T) {
	c := Chat{ID: "c1", Messages: []Message{{ID: "m1"}}, LastMessage: &Message{ID: "m1"}}
	cp := c.Clone()
	cp.Messages[0].ID = "changed"
	cp.LastMessage.ID = "changed"

	assert.Equal(t, "m1", c.Messages[0].ID)
	assert.Equal(t, "m1", c.LastMessage.ID)
}

func TestJSONTimeRoundTrip(t *testing.T) {
	in := JSONTime(time.Date(2024, 2, 3, 4, 5, 6, 7000000, time.UTC))
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out JSONTime
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, in.Time().Equal(out.Time()))

	b, err = json.Marshal(JSONTime{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}
