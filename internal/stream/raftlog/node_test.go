package raftlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func TestPersistLogsStorageErrors(t *testing.T) {
	var buf bytes.Buffer
	storage := raft.NewMemoryStorage()
	if err := storage.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 5, Term: 1}}); err != nil {
		t.Fatal(err)
	}
	n := &node{storage: storage, log: zerolog.New(&buf)}

	// A snapshot older than the one already applied is rejected by the storage.
	n.persist(raft.Ready{Snapshot: raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 3, Term: 1}}})

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "applying raft snapshot") {
		t.Fatalf("storage failure not logged: %q", out)
	}
}

func TestUnknownPeerSendFails(t *testing.T) {
	tr, err := newTCPTransport(1, "127.0.0.1:0", map[uint64]string{1: ""}, func(raftpb.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.close()
	if err := tr.send(7, raftpb.Message{To: 7}); err == nil {
		t.Fatal("send to an unknown peer succeeded")
	}
}
