package chat_test

import (
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgnet/client"
	"msgnet/internal/chat"
	"msgnet/protocol"
	"msgnet/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// chatPeer is a test client that records everything the chat server
// sends it.
type chatPeer struct {
	c *client.Client

	mu       sync.Mutex
	login    *chat.LoginResponse
	logout   *chat.LogoutResponse
	messages []chat.MessageResponse
	userlist []chat.UserlistUpdate
	history  []chat.StoredMessage
}

func newChatPeer(t *testing.T, port uint16) *chatPeer {
	t.Helper()

	p := &chatPeer{c: client.New(client.Config{Logger: zerolog.Nop()})}
	p.c.Handle(chat.CmdLoginResponse, func(body protocol.Raw) {
		var r chat.LoginResponse
		if json.Unmarshal(body, &r) == nil {
			p.mu.Lock()
			p.login = &r
			p.mu.Unlock()
		}
	})
	p.c.Handle(chat.CmdLogoutResponse, func(body protocol.Raw) {
		var r chat.LogoutResponse
		if json.Unmarshal(body, &r) == nil {
			p.mu.Lock()
			p.logout = &r
			p.mu.Unlock()
		}
	})
	p.c.Handle(chat.CmdMessageResponse, func(body protocol.Raw) {
		var r chat.MessageResponse
		if json.Unmarshal(body, &r) == nil {
			p.mu.Lock()
			p.messages = append(p.messages, r)
			p.mu.Unlock()
		}
	})
	p.c.Handle(chat.CmdUserlistUpdate, func(body protocol.Raw) {
		var r chat.UserlistUpdate
		if json.Unmarshal(body, &r) == nil {
			p.mu.Lock()
			p.userlist = append(p.userlist, r)
			p.mu.Unlock()
		}
	})
	p.c.Handle(chat.CmdHistoryResponse, func(body protocol.Raw) {
		var r chat.HistoryResponse
		if json.Unmarshal(body, &r) == nil {
			p.mu.Lock()
			p.history = append(p.history, r.Messages...)
			p.mu.Unlock()
		}
	})

	require.NoError(t, p.c.Connect("127.0.0.1", port))
	t.Cleanup(func() { p.c.Disconnect() })
	return p
}

func (p *chatPeer) loginAs(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, p.c.Push(chat.LoginRequest{
		Base:     protocol.Tag(chat.CmdLoginRequest),
		Username: name,
	}))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.login != nil && p.login.Success
	}, time.Second, 5*time.Millisecond)
}

func (p *chatPeer) say(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, p.c.Push(chat.MessageRequest{
		Base: protocol.Tag(chat.CmdMessageRequest),
		Text: text,
	}))
}

func (p *chatPeer) messageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func startChat(t *testing.T) (*chat.Server, *server.Server) {
	t.Helper()

	store, err := chat.NewStore(t.TempDir())
	require.NoError(t, err)

	core := server.New(server.Config{Logger: zerolog.Nop()})
	cs := chat.NewServer(core, store, zerolog.Nop())
	require.NoError(t, core.Start(0))
	t.Cleanup(func() { core.Shutdown(false) })
	return cs, core
}

func TestLoginJoinsRoomAndAnnounces(t *testing.T) {
	cs, core := startChat(t)

	alice := newChatPeer(t, core.Port())
	alice.loginAs(t, "alice")

	assert.Equal(t, map[protocol.ClientID]string{alice.c.ID(): "alice"}, cs.Users())
	assert.Equal(t, []protocol.ClientID{alice.c.ID()}, core.ClientsOf(chat.Room))

	bob := newChatPeer(t, core.Port())
	bob.loginAs(t, "bob")

	// Bob learns about alice; alice learns about bob.
	require.Eventually(t, func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		names := map[string]bool{}
		for _, u := range bob.userlist {
			if u.AddUser {
				names[u.Username] = true
			}
		}
		return names["alice"] && names["bob"]
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		for _, u := range alice.userlist {
			if u.AddUser && u.Username == "bob" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestLoginWithoutUsernameRefused(t *testing.T) {
	_, core := startChat(t)

	p := newChatPeer(t, core.Port())
	require.NoError(t, p.c.Push(chat.LoginRequest{Base: protocol.Tag(chat.CmdLoginRequest)}))

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.login != nil
	}, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.login.Success)
	assert.NotEmpty(t, p.login.Reason)
}

func TestMessageFanOutToRoomOnly(t *testing.T) {
	_, core := startChat(t)

	alice := newChatPeer(t, core.Port())
	bob := newChatPeer(t, core.Port())
	lurker := newChatPeer(t, core.Port()) // connected, never logs in

	alice.loginAs(t, "alice")
	bob.loginAs(t, "bob")

	alice.say(t, "hello room")

	require.Eventually(t, func() bool {
		return alice.messageCount() == 1 && bob.messageCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, lurker.messageCount())

	bob.mu.Lock()
	got := bob.messages[0]
	bob.mu.Unlock()
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hello room", got.Text)
}

func TestHistoryDeliveredOnLogin(t *testing.T) {
	_, core := startChat(t)

	alice := newChatPeer(t, core.Port())
	alice.loginAs(t, "alice")
	alice.say(t, "one")
	alice.say(t, "two")

	require.Eventually(t, func() bool { return alice.messageCount() == 2 }, time.Second, 5*time.Millisecond)

	late := newChatPeer(t, core.Port())
	late.loginAs(t, "late")

	require.Eventually(t, func() bool {
		late.mu.Lock()
		defer late.mu.Unlock()
		return len(late.history) == 2
	}, time.Second, 5*time.Millisecond)

	late.mu.Lock()
	defer late.mu.Unlock()
	assert.Equal(t, "one", late.history[0].Text)
	assert.Equal(t, "two", late.history[1].Text)
}

func TestLogoutLeavesRoom(t *testing.T) {
	cs, core := startChat(t)

	alice := newChatPeer(t, core.Port())
	bob := newChatPeer(t, core.Port())
	alice.loginAs(t, "alice")
	bob.loginAs(t, "bob")

	require.NoError(t, bob.c.Push(chat.LogoutRequest{Base: protocol.Tag(chat.CmdLogoutRequest)}))

	require.Eventually(t, func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return bob.logout != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []protocol.ClientID{alice.c.ID()}, core.ClientsOf(chat.Room))
	assert.NotContains(t, cs.Users(), bob.c.ID())

	// The room hears that bob left.
	require.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		for _, u := range alice.userlist {
			if !u.AddUser && u.UserID == bob.c.ID() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownPushesLogout(t *testing.T) {
	cs, core := startChat(t)

	alice := newChatPeer(t, core.Port())
	alice.loginAs(t, "alice")

	cs.Shutdown(true)
	assert.False(t, core.Online())

	require.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return alice.logout != nil
	}, time.Second, 5*time.Millisecond)
}
