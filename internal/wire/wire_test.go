package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/storage/types"
)

func sampleDiff() *types.Diff {
	return &types.Diff{
		BaseRevision: 7,
		NewPoints: []types.WeightedPoint{
			types.NewPoint([]float64{1, 2}),
			types.NewWeightedPoint([]float64{3, 4}, 2.5),
		},
		Events: []types.CompressionEvent{{
			ReplacedEpoch: 1,
			ReplacedSize:  10,
			Produced: []types.Bucket{{
				Points:     []types.WeightedPoint{types.NewWeightedPoint([]float64{0, 0}, 10)},
				Epoch:      1,
				Compressed: true,
			}},
		}},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"exchange", &Envelope{ID: 1, Exchange: &Exchange{Node: "node-a", Diff: sampleDiff()}}},
		{"exchange without diff", &Envelope{ID: 2, Exchange: &Exchange{Node: "node-b"}}},
		{"mixed", &Envelope{ID: 3, Mixed: &Mixed{Round: 12, Participants: 3, Diff: sampleDiff()}}},
		{"error", NewError(4, errors.CodeStale, "base moved")},
		{"negative code", NewError(5, -1, "odd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal(tt.env.Marshal())
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.ID != tt.env.ID {
				t.Errorf("id %d, want %d", got.ID, tt.env.ID)
			}

			switch {
			case tt.env.Exchange != nil:
				if got.Exchange == nil || got.Exchange.Node != tt.env.Exchange.Node {
					t.Fatalf("exchange mismatch: %+v", got.Exchange)
				}
				assertDiff(t, got.Exchange.Diff, tt.env.Exchange.Diff)
			case tt.env.Mixed != nil:
				if got.Mixed == nil || got.Mixed.Round != 12 || got.Mixed.Participants != 3 {
					t.Fatalf("mixed mismatch: %+v", got.Mixed)
				}
				assertDiff(t, got.Mixed.Diff, tt.env.Mixed.Diff)
			case tt.env.Error != nil:
				if got.Error == nil || *got.Error != *tt.env.Error {
					t.Fatalf("error mismatch: %+v", got.Error)
				}
			}
		})
	}
}

func assertDiff(t *testing.T, got, want *types.Diff) {
	t.Helper()
	if want == nil {
		if got != nil {
			t.Errorf("expected nil diff, got %+v", got)
		}
		return
	}
	if got == nil {
		t.Fatal("diff missing")
	}
	if got.BaseRevision != want.BaseRevision || got.Span() != want.Span() {
		t.Errorf("diff header mismatch: base %d span %d", got.BaseRevision, got.Span())
	}
	if len(got.NewPoints) != len(want.NewPoints) || len(got.Events) != len(want.Events) {
		t.Fatalf("diff shape mismatch: %+v", got)
	}
	for i := range want.NewPoints {
		if !got.NewPoints[i].Equal(want.NewPoints[i]) {
			t.Errorf("point %d differs", i)
		}
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := (&Envelope{ID: 9, Error: &Error{Code: errors.CodeInternal, Message: "x"}}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	env, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.ID != 9 || env.Error == nil {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestUnmarshalCorrupt(t *testing.T) {
	good := (&Envelope{ID: 1, Exchange: &Exchange{Node: "a", Diff: sampleDiff()}}).Marshal()

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", good[:len(good)-3]},
		{"bad tag", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"wrong wire type", protowire.AppendVarint(protowire.AppendTag(nil, 2, protowire.VarintType), 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal(tt.data); !errors.Is(err, errors.ErrCorruptData) {
				t.Errorf("expected ErrCorruptData, got %v", err)
			}
		})
	}
}

func TestErrorConversion(t *testing.T) {
	env := NewErrorFromErr(1, errors.ErrStaleDiff)
	if env.Error.Code != errors.CodeStale {
		t.Errorf("expected code %d, got %d", errors.CodeStale, env.Error.Code)
	}
	if err := env.Error.Err(); !errors.Is(err, errors.ErrStaleDiff) {
		t.Errorf("expected ErrStaleDiff, got %v", err)
	}

	env = NewErrorf(2, errors.CodeTooLarge, "frame of %d bytes", 100)
	if env.Error.Message != "frame of 100 bytes" {
		t.Errorf("unexpected message %q", env.Error.Message)
	}
}

func TestReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	envs := []*Envelope{
		{ID: 1, Exchange: &Exchange{Node: "a", Diff: sampleDiff()}},
		{ID: 2, Mixed: &Mixed{Round: 1, Participants: 1, Diff: &types.Diff{}}},
		NewError(3, errors.CodeInternal, "boom"),
	}
	for _, env := range envs {
		if err := w.Write(env); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range envs {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if got.ID != want.ID {
			t.Errorf("frame %d: id %d, want %d", i, got.ID, want.ID)
		}
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReaderRejectsLargeFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(&Envelope{ID: 1, Exchange: &Exchange{Node: "a", Diff: sampleDiff()}}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := NewReaderSize(&buf, 16).Read()
	if !errors.Is(err, errors.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestReaderTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(&Envelope{ID: 1, Exchange: &Exchange{Node: "a"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-1]

	if _, err := NewReader(bytes.NewReader(data)).Read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestConnOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := NewConn(server)
		env, err := c.Read()
		if err != nil {
			done <- err
			return
		}
		done <- c.Write(&Envelope{ID: env.ID, Mixed: &Mixed{Round: 1, Participants: 1, Diff: env.Exchange.Diff}})
	}()

	c := NewConn(client)
	if err := c.Write(&Envelope{ID: 42, Exchange: &Exchange{Node: "a", Diff: sampleDiff()}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if reply.ID != 42 || reply.Mixed == nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	assertDiff(t, reply.Mixed.Diff, sampleDiff())
}
