package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/state"
	"github.com/vinayprograms/agentbeats/telemetry"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	return New("Referee", append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// threePlayers registers a, b and c in that order.
func threePlayers(t *testing.T, c *Coordinator) {
	t.Helper()
	for _, id := range []string{"a", "b", "c"} {
		if !c.RegisterAgent(id, "player", []string{"chess"}) {
			t.Fatalf("RegisterAgent(%s) = false", id)
		}
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// --- Unit Tests ---

func TestNew_DefaultName(t *testing.T) {
	c := New("", WithLogger(quietLogger()))
	if c.Name() != DefaultName {
		t.Errorf("Name() = %q, want %q", c.Name(), DefaultName)
	}
}

func TestRegisterAgent_Duplicate(t *testing.T) {
	c := newTestCoordinator(t)

	if !c.RegisterAgent("x", "player", nil) {
		t.Fatal("first RegisterAgent = false")
	}
	if c.RegisterAgent("x", "other", nil) {
		t.Error("second RegisterAgent = true, want false")
	}
	if n := len(c.GetCoordinationStatus().Agents); n != 1 {
		t.Errorf("registry size = %d, want 1", n)
	}
	a, _ := c.Agent("x")
	if a.AgentType != "player" || a.Status != StatusWaiting {
		t.Errorf("Agent(x) = %+v", a)
	}
}

func TestRegisterAgent_CopiesCapabilities(t *testing.T) {
	c := newTestCoordinator(t)
	caps := []string{"chess"}
	c.RegisterAgent("x", "player", caps)
	caps[0] = "poker"

	a, _ := c.Agent("x")
	if a.Capabilities[0] != "chess" {
		t.Errorf("Capabilities = %v, want [chess]", a.Capabilities)
	}
}

func TestUnregisterAgent(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)

	if !c.UnregisterAgent("b") {
		t.Fatal("UnregisterAgent(b) = false")
	}
	if c.UnregisterAgent("b") {
		t.Error("second UnregisterAgent(b) = true")
	}
	order := c.TurnOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Errorf("TurnOrder() = %v, want [a c]", order)
	}
	log := c.SessionLog()
	if last := log[len(log)-1]; last.Type != EventAgentUnregistered || last.Data["agent_id"] != "b" {
		t.Errorf("last event = %+v", last)
	}
}

func TestTurnCycling(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)

	if _, ok := c.GetCurrentTurnAgent(); ok {
		t.Error("current turn before session start")
	}
	c.StartCoordinationSession()

	cur, ok := c.GetCurrentTurnAgent()
	if !ok || cur != "a" {
		t.Fatalf("current = %q, %v; want a", cur, ok)
	}

	for _, want := range []string{"b", "c", "a"} {
		got, ok := c.AdvanceTurn()
		if !ok || got != want {
			t.Errorf("AdvanceTurn() = %q, %v; want %s", got, ok, want)
		}
	}
	if n := c.GetCoordinationStatus().TurnNumber; n != 3 {
		t.Errorf("TurnNumber = %d, want 3", n)
	}
}

func TestAdvanceTurn_StatusesAndEvent(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.StartCoordinationSession()

	c.AdvanceTurn()

	a, _ := c.Agent("a")
	b, _ := c.Agent("b")
	if a.Status != StatusWaiting || b.Status != StatusActive {
		t.Errorf("statuses a=%s b=%s, want waiting/active", a.Status, b.Status)
	}

	log := c.SessionLog()
	ev := log[len(log)-1]
	if ev.Type != EventTurnAdvanced {
		t.Fatalf("last event = %s", ev.Type)
	}
	if ev.Data["from_agent"] != "a" || ev.Data["to_agent"] != "b" || ev.Data["turn_number"] != 1 {
		t.Errorf("turn_advanced data = %v", ev.Data)
	}
}

func TestAdvanceTurn_NoSessionOrAgents(t *testing.T) {
	c := newTestCoordinator(t)
	if _, ok := c.AdvanceTurn(); ok {
		t.Error("AdvanceTurn without session = ok")
	}
	c.StartCoordinationSession()
	if _, ok := c.AdvanceTurn(); ok {
		t.Error("AdvanceTurn without agents = ok")
	}
	if _, ok := c.GetCurrentTurnAgent(); ok {
		t.Error("GetCurrentTurnAgent without agents = ok")
	}
}

func TestTurnOrder_AfterUnregisterWraps(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.StartCoordinationSession()
	c.AdvanceTurn()
	c.AdvanceTurn() // c

	c.UnregisterAgent("c")
	cur, ok := c.GetCurrentTurnAgent()
	if !ok || cur != "a" {
		t.Errorf("current after removing c = %q, want a", cur)
	}
}

func TestQueuePartitionOrder(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("A", "player", nil)
	c.RegisterAgent("B", "player", nil)

	c.SendMessage(c.Name(), "B", "note", "M1")
	c.SendMessage(c.Name(), "A", "note", "M2")
	c.SendMessage("A", "B", "note", "M3")

	if n := c.PendingMessages(); n != 3 {
		t.Errorf("PendingMessages = %d, want 3", n)
	}

	forB := c.GetMessagesForAgent("B")
	if len(forB) != 2 || forB[0].Content != "M1" || forB[1].Content != "M3" {
		t.Fatalf("messages for B = %+v, want [M1 M3]", forB)
	}
	if forB[0].Seq >= forB[1].Seq {
		t.Errorf("Seq not increasing: %d, %d", forB[0].Seq, forB[1].Seq)
	}

	forA := c.GetMessagesForAgent("A")
	if len(forA) != 1 || forA[0].Content != "M2" {
		t.Fatalf("messages for A = %+v, want [M2]", forA)
	}
	if again := c.GetMessagesForAgent("A"); again == nil || len(again) != 0 {
		t.Errorf("second drain = %#v, want empty", again)
	}
	if n := c.PendingMessages(); n != 0 {
		t.Errorf("PendingMessages = %d, want 0", n)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("a", "player", nil)

	tests := []struct {
		name     string
		sender   string
		receiver string
	}{
		{"unknown sender", "ghost", "a"},
		{"unknown receiver", "a", "ghost"},
		{"coordinator to unknown", c.Name(), "ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c.SendMessage(tt.sender, tt.receiver, "note", nil) {
				t.Error("SendMessage = true, want false")
			}
		})
	}
	if n := c.PendingMessages(); n != 0 {
		t.Errorf("PendingMessages = %d, want 0", n)
	}
	if !c.SendMessage("a", "a", "note", nil) {
		t.Error("agent to itself rejected")
	}
}

// strictRules drops chat and keeps the first conflicting value.
type strictRules struct{}

func (strictRules) AllowMessage(m QueuedMessage) bool { return m.Type != "chat" }

func (strictRules) ResolveConflict(_ string, values []interface{}) interface{} { return values[0] }

// quietRules only overrides message filtering.
type quietRules struct{ DefaultRules }

func (quietRules) AllowMessage(m QueuedMessage) bool { return m.Type != "chat" }

// denyAll rejects every queued message.
type denyAll struct{ DefaultRules }

func (denyAll) AllowMessage(QueuedMessage) bool { return false }

func TestRequestAgentAction_RejectedByRules(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	c := newTestCoordinator(t, WithRules(denyAll{}), WithClock(func() time.Time { return now }))
	c.RegisterAgent("a", "player", nil)
	before, _ := c.Agent("a")

	now = now.Add(time.Minute)
	if c.RequestAgentAction("a", "move", map[string]interface{}{"x": 1}) {
		t.Error("RequestAgentAction = true, want false")
	}
	a, _ := c.Agent("a")
	if a.Status != StatusWaiting {
		t.Errorf("status = %s, want %s", a.Status, StatusWaiting)
	}
	if !a.LastActivity.Equal(before.LastActivity) {
		t.Errorf("LastActivity = %v, want %v", a.LastActivity, before.LastActivity)
	}
	if got := c.PendingMessages(); got != 0 {
		t.Errorf("PendingMessages = %d, want 0", got)
	}
}

func TestRules_Embedded(t *testing.T) {
	c := newTestCoordinator(t, WithRules(quietRules{}))
	c.RegisterAgent("a", "player", nil)

	if c.SendMessage(c.Name(), "a", "chat", "hi") {
		t.Error("chat message allowed")
	}
	if got := c.ResolveStateConflict("k", []interface{}{1, 2}); got != 2 {
		t.Errorf("ResolveStateConflict = %v, want 2", got)
	}
}

func TestRules_Custom(t *testing.T) {
	c := newTestCoordinator(t, WithRules(strictRules{}))
	c.RegisterAgent("a", "player", nil)

	if c.SendMessage(c.Name(), "a", "chat", "hi") {
		t.Error("chat message allowed")
	}
	if !c.SendMessage(c.Name(), "a", "move", "e4") {
		t.Error("move message rejected")
	}
	if got := c.ResolveStateConflict("k", []interface{}{1, 2}); got != 1 {
		t.Errorf("ResolveStateConflict = %v, want 1", got)
	}
}

func TestResolveStateConflict_Default(t *testing.T) {
	c := newTestCoordinator(t)

	if got := c.ResolveStateConflict("board", []interface{}{"x", "y", "z"}); got != "z" {
		t.Errorf("ResolveStateConflict = %v, want z", got)
	}
	if got := c.ResolveStateConflict("board", nil); got != nil {
		t.Errorf("ResolveStateConflict(nil) = %v, want nil", got)
	}
	log := c.SessionLog()
	if log[0].Type != EventStateConflict || log[0].Data["key"] != "board" {
		t.Errorf("event = %+v", log[0])
	}
}

func TestUpdateSharedState_Broadcast(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)

	c.UpdateSharedState("board", "start", "")
	c.UpdateSharedState("board", "e4", "a")

	if v, ok := c.GetSharedState("board"); !ok || v != "e4" {
		t.Errorf("GetSharedState(board) = %v, %v", v, ok)
	}
	if _, ok := c.GetSharedState("missing"); ok {
		t.Error("GetSharedState(missing) ok = true")
	}

	if got := len(c.GetMessagesForAgent("a")); got != 1 {
		t.Errorf("a got %d state changes, want 1 (not its own)", got)
	}
	forB := c.GetMessagesForAgent("b")
	if len(forB) != 2 {
		t.Fatalf("b got %d state changes, want 2", len(forB))
	}
	content := forB[1].Content.(map[string]interface{})
	if forB[1].Type != MessageStateChange || content["key"] != "board" || content["value"] != "e4" {
		t.Errorf("state change = %+v", forB[1])
	}

	var updates []Event
	for _, e := range c.SessionLog() {
		if e.Type == EventStateUpdated {
			updates = append(updates, e)
		}
	}
	if len(updates) != 2 {
		t.Fatalf("state_updated events = %d, want 2", len(updates))
	}
	d := updates[1].Data
	if d["old_value"] != "start" || d["new_value"] != "e4" || d["requesting_agent"] != "a" {
		t.Errorf("state_updated data = %v", d)
	}
	if updates[0].Data["old_value"] != nil || updates[0].Data["requesting_agent"] != nil {
		t.Errorf("first state_updated data = %v", updates[0].Data)
	}
}

func TestSharedState_Snapshot(t *testing.T) {
	c := newTestCoordinator(t)
	c.UpdateSharedState("k", 1, "")

	snap := c.SharedState()
	snap["k"] = 2
	if v, _ := c.GetSharedState("k"); v != 1 {
		t.Errorf("shared state mutated through snapshot: %v", v)
	}
}

func TestSession_EmptySummary(t *testing.T) {
	c := newTestCoordinator(t)

	if !c.StartCoordinationSession() {
		t.Fatal("StartCoordinationSession = false")
	}
	summary, ok := c.EndCoordinationSession()
	if !ok {
		t.Fatal("EndCoordinationSession = false")
	}
	if summary.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2", summary.TotalEvents)
	}
	if summary.SessionDuration < 0 {
		t.Errorf("SessionDuration = %v, want >= 0", summary.SessionDuration)
	}
	types := eventTypes(summary.SessionLog)
	if types[0] != EventSessionStarted || types[1] != EventSessionEnded {
		t.Errorf("events = %v", types)
	}
	if summary.SessionID == "" || summary.Coordinator != "Referee" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	c := newTestCoordinator(t)

	if _, ok := c.EndCoordinationSession(); ok {
		t.Error("End without session = ok")
	}
	c.StartCoordinationSession()
	if c.StartCoordinationSession() {
		t.Error("second Start = true")
	}
	if !c.SessionActive() {
		t.Error("SessionActive = false")
	}
	c.EndCoordinationSession()
	if c.SessionActive() {
		t.Error("SessionActive after End = true")
	}
	if !c.StartCoordinationSession() {
		t.Error("restart after End = false")
	}
}

func TestSession_StartResets(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.StartCoordinationSession()
	c.AdvanceTurn()
	c.HandleAgentError("c", "boom")
	c.EndCoordinationSession()

	c.StartCoordinationSession()
	status := c.GetCoordinationStatus()
	if status.CurrentTurn != "a" || status.TurnNumber != 0 {
		t.Errorf("turn = %s/%d, want a/0", status.CurrentTurn, status.TurnNumber)
	}
	for id, a := range status.Agents {
		if a.Status != StatusWaiting {
			t.Errorf("%s status = %s, want waiting", id, a.Status)
		}
	}
	if log := c.SessionLog(); len(log) != 1 {
		t.Errorf("log = %v, want only session_started", eventTypes(log))
	}
}

func TestSession_SummaryContents(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	now := start
	c := newTestCoordinator(t, WithClock(func() time.Time { return now }))
	threePlayers(t, c)

	c.StartCoordinationSession()
	now = now.Add(1500 * time.Millisecond)
	c.UpdateSharedState("move_count", 1, "a")
	now = now.Add(time.Second)

	summary, _ := c.EndCoordinationSession()
	if summary.SessionDuration != 2.5 {
		t.Errorf("SessionDuration = %v, want 2.5", summary.SessionDuration)
	}
	if summary.Duration() != 2500*time.Millisecond {
		t.Errorf("Duration() = %v", summary.Duration())
	}
	if len(summary.ParticipatingAgents) != 3 || summary.ParticipatingAgents[0] != "a" {
		t.Errorf("ParticipatingAgents = %v", summary.ParticipatingAgents)
	}
	if summary.FinalState["move_count"] != 1 {
		t.Errorf("FinalState = %v", summary.FinalState)
	}
	if last := summary.SessionLog[len(summary.SessionLog)-1]; last.Type != EventSessionEnded {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestRequestAgentAction(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("a", "player", nil)

	if c.RequestAgentAction("ghost", "move", nil) {
		t.Error("RequestAgentAction(ghost) = true")
	}
	if !c.RequestAgentAction("a", "move", map[string]interface{}{"board": "x"}) {
		t.Fatal("RequestAgentAction(a) = false")
	}
	a, _ := c.Agent("a")
	if a.Status != StatusThinking {
		t.Errorf("status = %s, want thinking", a.Status)
	}

	msgs := c.GetMessagesForAgent("a")
	if len(msgs) != 1 || msgs[0].Type != MessageActionRequest || msgs[0].SenderID != c.Name() {
		t.Fatalf("messages = %+v", msgs)
	}
	content := msgs[0].Content.(map[string]interface{})
	params := content["parameters"].(map[string]interface{})
	if content["action_type"] != "move" || params["board"] != "x" {
		t.Errorf("content = %v", content)
	}
}

func TestRequestAgentAction_NilParameters(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("a", "player", nil)
	c.RequestAgentAction("a", "move", nil)

	content := c.GetMessagesForAgent("a")[0].Content.(map[string]interface{})
	if params, ok := content["parameters"].(map[string]interface{}); !ok || params == nil {
		t.Errorf("parameters = %#v, want empty map", content["parameters"])
	}
}

func TestAgentResponseReceived(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("a", "player", nil)

	if c.AgentResponseReceived("ghost", nil) {
		t.Error("AgentResponseReceived(ghost) = true")
	}
	c.RequestAgentAction("a", "move", nil)
	c.AgentResponseReceived("a", map[string]interface{}{"move": "e4"})

	a, _ := c.Agent("a")
	if a.Status != StatusDone {
		t.Errorf("status = %s, want done", a.Status)
	}
	log := c.SessionLog()
	ev := log[len(log)-1]
	if ev.Type != EventAgentResponse || ev.Data["agent_id"] != "a" {
		t.Errorf("event = %+v", ev)
	}
}

func TestErrorStatus_StaysUntilReset(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.StartCoordinationSession()

	if !c.HandleTurnTimeout("a") {
		t.Fatal("HandleTurnTimeout(a) = false")
	}
	if !c.HandleAgentError("b", "illegal move") {
		t.Fatal("HandleAgentError(b) = false")
	}
	if c.HandleTurnTimeout("ghost") || c.HandleAgentError("ghost", "x") || c.ResetAgent("ghost") {
		t.Error("rule accepted unknown agent")
	}

	// a full rotation touches every agent
	for i := 0; i < 3; i++ {
		c.AdvanceTurn()
	}
	for _, id := range []string{"a", "b"} {
		if a, _ := c.Agent(id); a.Status != StatusError {
			t.Errorf("%s status after rotation = %s, want error", id, a.Status)
		}
	}

	// neither an action request nor a late response clears the error
	pending := c.PendingMessages()
	if c.RequestAgentAction("b", "move", nil) {
		t.Error("RequestAgentAction(b) = true for agent in error")
	}
	if c.AgentResponseReceived("b", "late move") {
		t.Error("AgentResponseReceived(b) = true for agent in error")
	}
	if b, _ := c.Agent("b"); b.Status != StatusError {
		t.Errorf("b status = %s, want error", b.Status)
	}
	if got := c.PendingMessages(); got != pending {
		t.Errorf("PendingMessages = %d, want %d", got, pending)
	}

	c.ResetAgent("b")
	if b, _ := c.Agent("b"); b.Status != StatusWaiting {
		t.Errorf("b status after reset = %s, want waiting", b.Status)
	}

	log := c.SessionLog()
	types := strings.Join(eventTypes(log), ",")
	for _, want := range []string{EventTurnTimeout, EventAgentError, EventAgentReset} {
		if !strings.Contains(types, want) {
			t.Errorf("log %s missing %s", types, want)
		}
	}
	if last := log[len(log)-1]; last.Data["from_status"] != "error" {
		t.Errorf("agent_reset data = %v", last.Data)
	}
}

func TestGetCoordinationStatus(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.UpdateSharedState("z", 1, "")
	c.UpdateSharedState("a", 2, "")
	c.StartCoordinationSession()

	s := c.GetCoordinationStatus()
	if s.CoordinatorName != "Referee" || !s.SessionActive || s.CurrentTurn != "a" {
		t.Errorf("status = %+v", s)
	}
	if len(s.SharedStateKeys) != 2 || s.SharedStateKeys[0] != "a" {
		t.Errorf("SharedStateKeys = %v", s.SharedStateKeys)
	}
	if s.PendingMessages != 6 {
		t.Errorf("PendingMessages = %d, want 6", s.PendingMessages)
	}
	if s.Agents["b"].AgentType != "player" {
		t.Errorf("Agents[b] = %+v", s.Agents["b"])
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	for _, key := range []string{"coordinator_name", "session_active", "current_turn", "turn_number", "agents", "shared_state_keys", "pending_messages"} {
		if !bytes.Contains(data, []byte(`"`+key+`"`)) {
			t.Errorf("status JSON missing %s", key)
		}
	}
}

func TestString(t *testing.T) {
	c := newTestCoordinator(t)
	c.RegisterAgent("a", "player", nil)

	if got, want := c.String(), "Green Agent 'Referee' - Status: Inactive, Agents: 1, Turn: none"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	c.StartCoordinationSession()
	if got, want := c.String(), "Green Agent 'Referee' - Status: Active, Agents: 1, Turn: a"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// --- Integration Tests ---

func TestSaveSessionLog(t *testing.T) {
	c := newTestCoordinator(t)
	threePlayers(t, c)
	c.StartCoordinationSession()
	c.UpdateSharedState("board", "start", "")

	dir := t.TempDir()
	path, err := c.SaveSessionLog(dir)
	if err != nil {
		t.Fatalf("SaveSessionLog error: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "coordination_session_") || filepath.Ext(path) != ".json" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var file map[string]json.RawMessage
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"coordinator", "session_log", "final_state", "agent_summary"} {
		if _, ok := file[key]; !ok {
			t.Errorf("missing key %s", key)
		}
	}

	explicit := filepath.Join(dir, "nested", "game.json")
	if got, err := c.SaveSessionLog(explicit); err != nil || got != explicit {
		t.Errorf("SaveSessionLog(explicit) = %s, %v", got, err)
	}
}

func TestDefaultSessionLogName(t *testing.T) {
	got := DefaultSessionLogName(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	if got != "coordination_session_20240506_070809.json" {
		t.Errorf("DefaultSessionLogName = %s", got)
	}
}

func TestStateMirror(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	c := newTestCoordinator(t, WithStateMirror(store))
	c.UpdateSharedState("board", map[string]interface{}{"next": "white"}, "")

	var got map[string]string
	if err := state.GetJSON(store, "shared.board", &got); err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if got["next"] != "white" {
		t.Errorf("mirrored = %v", got)
	}
}

type recordingExporter struct {
	telemetry.NoopExporter
	mu     sync.Mutex
	events []string
}

func (e *recordingExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf("%s/%v", name, data["coordinator"]))
}

type memoryArchive struct {
	mu       sync.Mutex
	sessions []*SessionSummary
}

func (a *memoryArchive) SaveSession(_ context.Context, s *SessionSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, s)
	return nil
}

func TestExporterAndArchive(t *testing.T) {
	exp := &recordingExporter{}
	arch := &memoryArchive{}
	metrics, err := telemetry.NewMetrics("coordinator-test")
	if err != nil {
		t.Fatalf("NewMetrics error: %v", err)
	}
	c := newTestCoordinator(t, WithEventExporter(exp), WithArchive(arch), WithMetrics(metrics))

	c.StartCoordinationSession()
	summary, _ := c.EndCoordinationSession()

	exp.mu.Lock()
	if len(exp.events) != 2 || exp.events[0] != "coordinator.session_started/Referee" {
		t.Errorf("exported = %v", exp.events)
	}
	exp.mu.Unlock()

	arch.mu.Lock()
	if len(arch.sessions) != 1 || arch.sessions[0].SessionID != summary.SessionID {
		t.Errorf("archived = %v", arch.sessions)
	}
	arch.mu.Unlock()
}

// --- Concurrency Tests ---

func TestConcurrentOperations(t *testing.T) {
	c := newTestCoordinator(t)
	c.StartCoordinationSession()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%02d", i)
			c.RegisterAgent(id, "player", nil)
			c.UpdateSharedState(id, i, id)
			c.AdvanceTurn()
			c.GetCoordinationStatus()
			c.GetMessagesForAgent(id)
		}(i)
	}
	wg.Wait()

	if n := len(c.TurnOrder()); n != 20 {
		t.Errorf("registered = %d, want 20", n)
	}
	s := c.GetCoordinationStatus()
	if s.TurnNumber != 20 {
		t.Errorf("TurnNumber = %d, want 20", s.TurnNumber)
	}
}
