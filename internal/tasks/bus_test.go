package tasks

import (
	"encoding/json"
	"testing"
)

func TestBusDeliversOnlyAfterSubscribe(t *testing.T) {
	b := NewBus(8)
	b.Publish("t1", ProgressEvent(StageStarting, "nobody listening"))

	ch, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()
	b.Publish("t1", ProgressEvent(StageProcessing, "working"))
	b.Publish("t2", ProgressEvent(StageProcessing, "other task"))

	ev := <-ch
	if ev.Type != EventProgress || ev.Progress.Stage != StageProcessing {
		t.Fatalf("event = %+v, want processing progress", ev)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestBusCloseEndsReaders(t *testing.T) {
	b := NewBus(8)
	first, unsubFirst := b.Subscribe("t1")
	second, unsubSecond := b.Subscribe("t1")

	b.Publish("t1", FinishEvent(true, "ok", ""))
	b.Close("t1")

	for _, ch := range []<-chan Event{first, second} {
		ev, ok := <-ch
		if !ok || ev.Type != EventFinish {
			t.Fatalf("first read = %+v ok=%v, want finish", ev, ok)
		}
		if _, ok := <-ch; ok {
			t.Fatalf("channel still open after Close")
		}
	}

	unsubFirst()
	unsubSecond()
	if got := b.SubscriberCount("t1"); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
}

func TestBusDropsForSlowReader(t *testing.T) {
	b := NewBus(1)
	dropped := 0
	b.OnDrop(func(string, Event) { dropped++ })

	_, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()
	b.Publish("t1", ProgressEvent(StageProcessing, "one"))
	b.Publish("t1", ProgressEvent(StageProcessing, "two"))

	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestEventWireFormat(t *testing.T) {
	raw, err := json.Marshal(ConfirmationEvent("req-1", "edit", "edit main.go", nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"confirmation","data":{"requestID":"req-1","permission":"edit","message":"edit main.go"}}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}

	var decoded Event
	if err := json.Unmarshal([]byte(`{"type":"finish","data":{"success":false,"error":"boom"}}`), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Finish == nil || decoded.Finish.Success || decoded.Finish.Error != "boom" {
		t.Fatalf("decoded = %+v", decoded.Finish)
	}
}
