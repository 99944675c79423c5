package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// testTransport records frames instead of writing a socket
type testTransport struct {
	lock      sync.Mutex
	frames    []Frame
	failSend  bool
	closed    bool
	closeCode int
	closeWhy  string
}

func (t *testTransport) SendFrame(frame Frame) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.failSend {
		return fmt.Errorf("simulated transport stall")
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *testTransport) Close(code int, reason string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	t.closeCode = code
	t.closeWhy = reason
	return nil
}

func (t *testTransport) received() []Frame {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := make([]Frame, len(t.frames))
	copy(result, t.frames)
	return result
}

func (t *testTransport) receivedOfType(frameType FrameType) []Frame {
	var result []Frame
	for _, frame := range t.received() {
		if frame.Type == frameType {
			result = append(result, frame)
		}
	}
	return result
}

func (t *testTransport) wasClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

func (t *testTransport) setFailSend(fail bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failSend = fail
}

// testVerifier static token table
type testVerifier struct {
	tokens map[string]UserIdentity
}

func newTestVerifier() *testVerifier {
	return &testVerifier{tokens: map[string]UserIdentity{}}
}

func (v *testVerifier) VerifyToken(ctxt context.Context, token string) (UserIdentity, error) {
	user, ok := v.tokens[token]
	if !ok {
		return UserIdentity{}, fmt.Errorf("unknown credential")
	}
	return user, nil
}

// testDirectory static group membership table
type testDirectory struct {
	lock    sync.Mutex
	members map[string][]string
}

func newTestDirectory() *testDirectory {
	return &testDirectory{members: map[string][]string{}}
}

func (d *testDirectory) IsGroupMember(
	ctxt context.Context, userID, groupID string,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, member := range d.members[groupID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *testDirectory) GroupMembers(
	ctxt context.Context, groupID string,
) ([]string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string{}, d.members[groupID]...), nil
}

// testStore minimal in-memory message store
type testStore struct {
	lock     sync.Mutex
	messages map[string]*StoredMessage
	receipts map[string]map[string]ReadReceipt
	failNext error
}

func newTestStore() *testStore {
	return &testStore{
		messages: map[string]*StoredMessage{},
		receipts: map[string]map[string]ReadReceipt{},
	}
}

func (s *testStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *testStore) PersistMessage(
	ctxt context.Context, msg StoredMessage,
) (StoredMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.takeFailure(); err != nil {
		return StoredMessage{}, err
	}
	stored := msg
	s.messages[msg.ID] = &stored
	return stored, nil
}

func (s *testStore) EditMessage(
	ctxt context.Context, groupID, messageID, editorID, content string,
) (StoredMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.takeFailure(); err != nil {
		return StoredMessage{}, err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return StoredMessage{}, fmt.Errorf("no message %s", messageID)
	}
	msg.Content = content
	return *msg, nil
}

func (s *testStore) DeleteMessage(
	ctxt context.Context, groupID, messageID, requesterID string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("no message %s", messageID)
	}
	msg.Deleted = true
	return nil
}

func (s *testStore) AddReaction(
	ctxt context.Context, groupID, messageID, userID, reaction string,
) (ReactionUpdate, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.takeFailure(); err != nil {
		return ReactionUpdate{}, err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return ReactionUpdate{}, fmt.Errorf("no message %s", messageID)
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string]string{}
	}
	msg.Reactions[userID] = reaction
	return ReactionUpdate{
		MessageID: messageID,
		GroupID:   groupID,
		UserID:    userID,
		Reaction:  reaction,
		Reactions: msg.Reactions,
	}, nil
}

func (s *testStore) AddReadReceipt(
	ctxt context.Context, groupID, messageID, userID string, readAt time.Time,
) (ReadReceipt, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.takeFailure(); err != nil {
		return ReadReceipt{}, err
	}
	perMessage, ok := s.receipts[messageID]
	if !ok {
		perMessage = map[string]ReadReceipt{}
		s.receipts[messageID] = perMessage
	}
	receipt := ReadReceipt{
		MessageID: messageID, GroupID: groupID, UserID: userID, ReadAt: readAt,
	}
	if existing, seen := perMessage[userID]; seen && existing.ReadAt.After(readAt) {
		receipt = existing
	}
	perMessage[userID] = receipt
	return receipt, nil
}

// testNotifier records offline delivery handoffs
type testNotifier struct {
	lock      sync.Mutex
	items     []OfflineQueueItem
	failTimes int
}

func newTestNotifier() *testNotifier {
	return &testNotifier{}
}

func (n *testNotifier) EnqueueOfflineDelivery(
	ctxt context.Context, item OfflineQueueItem,
) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.failTimes > 0 {
		n.failTimes--
		return fmt.Errorf("simulated notifier outage")
	}
	n.items = append(n.items, item)
	return nil
}

func (n *testNotifier) handedOff() []OfflineQueueItem {
	n.lock.Lock()
	defer n.lock.Unlock()
	result := make([]OfflineQueueItem, len(n.items))
	copy(result, n.items)
	return result
}

func (n *testNotifier) setFailTimes(count int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.failTimes = count
}
