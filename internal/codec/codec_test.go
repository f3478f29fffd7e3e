package codec

import (
	"bytes"
	"errors"
	"testing"

	"cascade/internal/domain"
)

func TestCodecsKeepRecords(t *testing.T) {
	rec := domain.Record{Key: "doc:1", Data: bytes.Repeat([]byte("payload "), 64), Watermark: domain.WatermarkOfTimestamp(1700000000000, 3).Value(), Flags: domain.FlagDefault | domain.FlagTrace}
	for _, name := range []string{"proto", "msgpack", "json"} {
		for _, compression := range []string{"none", "snappy", "lz4"} {
			c, err := New(name, compression)
			if err != nil {
				t.Fatalf("new %s/%s: %v", name, compression, err)
			}
			b, err := c.Encode(rec)
			if err != nil {
				t.Fatalf("%s encode: %v", c.Name(), err)
			}
			got, err := c.Decode(b)
			if err != nil {
				t.Fatalf("%s decode: %v", c.Name(), err)
			}
			if got.Key != rec.Key || !bytes.Equal(got.Data, rec.Data) || got.Watermark != rec.Watermark || got.Flags != rec.Flags {
				t.Fatalf("%s changed the record: %s", c.Name(), got)
			}
		}
	}
}

func TestDecodeAcrossCompressionSettings(t *testing.T) {
	writer, _ := New("proto", "snappy")
	reader, _ := New("proto", "none")
	b, err := writer.Encode(domain.NewRecord("k", []byte("v")))
	if err != nil {
		t.Fatal(err)
	}
	got, err := reader.Decode(b)
	if err != nil || got.Key != "k" {
		t.Fatalf("reader should follow the payload compression: %v %v", got, err)
	}
}

func TestUnknownSettings(t *testing.T) {
	if _, err := New("avro", ""); err == nil {
		t.Fatalf("expected unknown codec error")
	}
	if _, err := New("proto", "zip"); err == nil {
		t.Fatalf("expected unknown compression error")
	}
	c, _ := New("proto", "")
	if _, err := c.Decode([]byte{9, 1, 2}); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected corrupted error, got %v", err)
	}
}
