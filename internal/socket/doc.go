// Package socket implements the session WebSocket of a chat client.
//
// A Socket owns one authenticated connection and routes every inbound frame by its
// event_type to one of three capabilities:
//
//   - Users keeps watched user entities up to date (profile, presence).
//   - Chats subscribes to private chats and delivers "<chatID>:new|update|delete".
//   - Groups subscribes to groups, delivers message events and keeps shared role and
//     member entities consistent with role and membership events.
//
// Frames sent before the connection opens are queued and flushed once it does. A
// closed socket stays closed; reconnecting means creating a new Socket.
//
// Example usage:
//
//	s := socket.New(socket.DefaultConfig("ws://localhost:6969/ws/session/"), token, selfID)
//	if err := s.Connect(ctx); err != nil {
//		return err
//	}
//	defer s.Close()
//
//	user := s.Users().Watch(7)
//	defer s.Users().Leave(7)
package socket
