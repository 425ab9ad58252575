package accessory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/runnable-bridge/internal/communicator"
)

// fakeComm records sent commands and lets tests inject runnable messages.
type fakeComm struct {
	mu         sync.Mutex
	sent       []Command
	sentAt     []time.Time
	listeners  []communicator.Listener
	interval   time.Duration
	connected  bool
	connectErr error
}

func (f *fakeComm) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return f.connectErr
}

func (f *fakeComm) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeComm) Send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	f.sentAt = append(f.sentAt, time.Now())
	return nil
}

func (f *fakeComm) Subscribe(fn communicator.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	idx := len(f.listeners) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[idx] = nil
	}
}

func (f *fakeComm) Interval() time.Duration { return f.interval }

func (f *fakeComm) emit(msg string) {
	f.mu.Lock()
	listeners := append([]communicator.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(json.RawMessage(msg))
		}
	}
}

func (f *fakeComm) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

func testDefinitions() []Definition {
	return []Definition{
		{Name: "Living Fan", Service: "Fan", Characteristics: []string{"On", "RotationSpeed"}},
		{Name: "Desk Lamp", Service: "Lightbulb", Characteristics: []string{"On"}},
	}
}

func newTestPlatform(t *testing.T, comm *fakeComm, cache Cache) *Platform {
	t.Helper()
	p, err := NewPlatform(testDefinitions(), comm, cache)
	if err != nil {
		t.Fatalf("NewPlatform() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestID_StableAndDistinct(t *testing.T) {
	if ID("Living Fan") != ID("Living Fan") {
		t.Error("ID() is not deterministic")
	}
	if ID("Living Fan") == ID("Desk Lamp") {
		t.Error("ID() collides for different names")
	}
}

func TestNewPlatform_DuplicateName(t *testing.T) {
	defs := append(testDefinitions(), Definition{Name: "Desk Lamp", Service: "Lightbulb", Characteristics: []string{"On"}})

	_, err := NewPlatform(defs, &fakeComm{}, nil)
	if !errors.Is(err, ErrDuplicateAccessory) {
		t.Errorf("NewPlatform() error = %v, want %v", err, ErrDuplicateAccessory)
	}
}

func TestPlatform_StartConnects(t *testing.T) {
	comm := &fakeComm{connectErr: errors.New("no such file")}
	newTestPlatform(t, comm, nil)

	if !comm.connected {
		t.Error("Start() did not connect the communicator")
	}
}

func TestPlatform_InboundUpdate(t *testing.T) {
	comm := &fakeComm{}
	p := newTestPlatform(t, comm, nil)

	var changes []Change
	p.Observe(func(c Change) { changes = append(changes, c) })

	comm.emit(`{"name":"Living Fan","characteristic":"RotationSpeed","value":40}`)

	acc, err := p.Accessory("Living Fan")
	if err != nil {
		t.Fatalf("Accessory() error = %v", err)
	}
	if string(acc.Values["RotationSpeed"]) != "40" {
		t.Errorf("RotationSpeed = %s, want 40", acc.Values["RotationSpeed"])
	}
	if len(changes) != 1 || changes[0].Source != SourceDevice {
		t.Errorf("changes = %+v, want one device change", changes)
	}
}

func TestPlatform_InboundIgnored(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"no name", `{"characteristic":"On","value":true}`},
		{"name not a string", `{"name":7,"characteristic":"On","value":true}`},
		{"other accessory", `{"name":"Garage","characteristic":"On","value":true}`},
		{"unknown characteristic", `{"name":"Desk Lamp","characteristic":"Brightness","value":10}`},
		{"missing value", `{"name":"Desk Lamp","characteristic":"On"}`},
		{"not an object", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comm := &fakeComm{}
			p := newTestPlatform(t, comm, nil)

			changed := false
			p.Observe(func(Change) { changed = true })

			comm.emit(tt.msg)

			if changed {
				t.Errorf("message %s changed state", tt.msg)
			}
		})
	}
}

func TestSetCharacteristic_SendsCommandWithStatus(t *testing.T) {
	comm := &fakeComm{}
	p := newTestPlatform(t, comm, nil)

	comm.emit(`{"name":"Living Fan","characteristic":"RotationSpeed","value":25}`)

	if err := p.SetCharacteristic(context.Background(), "Living Fan", "On", true); err != nil {
		t.Fatalf("SetCharacteristic() error = %v", err)
	}

	cmds := comm.commands()
	if len(cmds) != 1 {
		t.Fatalf("sent %d commands, want 1", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Method != MethodSet || cmd.Name != "Living Fan" || cmd.Characteristic != "On" || string(cmd.Value) != "true" {
		t.Errorf("command = %+v", cmd)
	}
	// Status reflects values before this change.
	if string(cmd.Status["On"]) != "null" || string(cmd.Status["RotationSpeed"]) != "25" {
		t.Errorf("status = %v, want On=null RotationSpeed=25", cmd.Status)
	}

	acc, _ := p.Accessory("Living Fan")
	if string(acc.Values["On"]) != "true" {
		t.Errorf("On = %s after set, want true", acc.Values["On"])
	}
}

func TestSetCharacteristic_Errors(t *testing.T) {
	comm := &fakeComm{}
	p := newTestPlatform(t, comm, nil)
	ctx := context.Background()

	if err := p.SetCharacteristic(ctx, "Garage", "On", true); !errors.Is(err, ErrAccessoryNotFound) {
		t.Errorf("unknown accessory error = %v, want %v", err, ErrAccessoryNotFound)
	}
	if err := p.SetCharacteristic(ctx, "Desk Lamp", "Hue", 10); !errors.Is(err, ErrUnknownCharacteristic) {
		t.Errorf("unknown characteristic error = %v, want %v", err, ErrUnknownCharacteristic)
	}
	if err := p.SetCharacteristic(ctx, "Desk Lamp", "On", make(chan int)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("invalid value error = %v, want %v", err, ErrInvalidValue)
	}
	if n := len(comm.commands()); n != 0 {
		t.Errorf("sent %d commands for rejected sets, want 0", n)
	}
}

func TestSetCharacteristic_SerialisedWithInterval(t *testing.T) {
	const interval = 60 * time.Millisecond

	comm := &fakeComm{interval: interval}
	p := newTestPlatform(t, comm, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if err := p.SetCharacteristic(context.Background(), "Living Fan", "RotationSpeed", v); err != nil {
				t.Errorf("SetCharacteristic() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	comm.mu.Lock()
	times := append([]time.Time(nil), comm.sentAt...)
	comm.mu.Unlock()

	if len(times) != 3 {
		t.Fatalf("sent %d commands, want 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval {
			t.Errorf("gap between commands %d and %d = %v, want at least %v", i-1, i, gap, interval)
		}
	}
}

func TestSetCharacteristic_ContextCancelledWhileWaiting(t *testing.T) {
	comm := &fakeComm{interval: time.Hour}
	p := newTestPlatform(t, comm, nil)

	if err := p.SetCharacteristic(context.Background(), "Desk Lamp", "On", true); err != nil {
		t.Fatalf("first SetCharacteristic() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.SetCharacteristic(ctx, "Desk Lamp", "On", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second SetCharacteristic() error = %v, want %v", err, context.DeadlineExceeded)
	}

	// Other accessories are not held up.
	if err := p.SetCharacteristic(context.Background(), "Living Fan", "On", true); err != nil {
		t.Errorf("SetCharacteristic() on other accessory error = %v", err)
	}
}

func TestPlatform_ObserverPanicIsRecovered(t *testing.T) {
	comm := &fakeComm{}
	p := newTestPlatform(t, comm, nil)

	called := false
	p.Observe(func(Change) { panic("boom") })
	p.Observe(func(Change) { called = true })

	comm.emit(`{"name":"Desk Lamp","characteristic":"On","value":true}`)

	if !called {
		t.Error("second observer not called after first panicked")
	}
}

func TestPlatform_ShutdownStopsRouting(t *testing.T) {
	comm := &fakeComm{}
	p, err := NewPlatform(testDefinitions(), comm, nil)
	if err != nil {
		t.Fatalf("NewPlatform() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Shutdown()

	if comm.connected {
		t.Error("Shutdown() did not disconnect")
	}

	comm.emit(`{"name":"Desk Lamp","characteristic":"On","value":true}`)
	acc, _ := p.Accessory("Desk Lamp")
	if _, ok := acc.Values["On"]; ok {
		t.Error("message routed after Shutdown")
	}
}

func TestAccessories_SnapshotOrderAndIsolation(t *testing.T) {
	comm := &fakeComm{}
	p := newTestPlatform(t, comm, nil)

	list := p.Accessories()
	if len(list) != 2 || list[0].Name != "Living Fan" || list[1].Name != "Desk Lamp" {
		t.Fatalf("Accessories() = %+v, want configuration order", list)
	}

	list[0].Values["On"] = json.RawMessage("true")
	list[0].Characteristics[0] = "Mutated"

	acc, _ := p.Accessory("Living Fan")
	if _, ok := acc.Values["On"]; ok || acc.Characteristics[0] != "On" {
		t.Error("mutating a snapshot changed platform state")
	}
}
