package persist

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmander/iptooled/internal/reputation"
)

const testNow reputation.CoarseTime = 400000

func openForTest(t *testing.T, path string, tree *reputation.SpamTree) *Log {
	t.Helper()
	l, err := Open(path, tree)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return l
}

func appendOps(t *testing.T, l *Log, ops []reputation.TreeOperation) {
	t.Helper()
	for _, op := range ops {
		l.Enqueue(l.Encode(op))
	}
}

func randomAddress(rng *rand.Rand) reputation.Address {
	var a reputation.Address
	rng.Read(a[:])
	return a
}

func TestLogCreatesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")

	l := openForTest(t, path, reputation.NewSpamTree())
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != HeaderSize {
		t.Fatalf("fresh log is %d bytes, want %d", len(first), HeaderSize)
	}

	l = openForTest(t, path, reputation.NewSpamTree())
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("reopening regenerated the header keys")
	}
}

func TestLogReplayReconstructsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")
	rng := rand.New(rand.NewSource(0x5eed))

	live := reputation.NewSpamTree()
	l := openForTest(t, path, live)

	// A bursty random history: some addresses repeat so trust walks
	// hit contaminated branches, and some users hit their cap, whose
	// drops must stay invisible to the log.
	pool := make([]reputation.Address, 64)
	for i := range pool {
		pool[i] = randomAddress(rng)
	}

	appended := int64(0)
	for i := 0; i < 500; i++ {
		address := pool[rng.Intn(len(pool))]
		user := reputation.User(rng.Intn(20))

		var op reputation.TreeOperation
		var accepted bool
		var err error
		if rng.Intn(3) == 0 {
			op, accepted, err = live.Spam(address, user, testNow)
		} else {
			op, accepted, err = live.Trust(address, user, testNow)
		}
		if err != nil {
			t.Fatal(err)
		}
		if !accepted {
			continue
		}

		l.Enqueue(l.Encode(op))
		appended++
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	replayed := reputation.NewSpamTree()
	l = openForTest(t, path, replayed)
	defer l.Close()

	if l.RecordCount() != appended {
		t.Fatalf("RecordCount() = %d, want %d", l.RecordCount(), appended)
	}

	for i := 0; i < 1000; i++ {
		probe := pool[rng.Intn(len(pool))]
		if rng.Intn(4) == 0 {
			probe = randomAddress(rng)
		}
		if liveResult, replayedResult := live.QueryStale(probe), replayed.QueryStale(probe); liveResult != replayedResult {
			t.Fatalf("probe %d (%s): live %+v, replayed %+v", i, probe, liveResult, replayedResult)
		}
	}
}

func TestLogChainContinuesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")
	address, _ := reputation.ParseAddress("2001:db8::1")

	tree := reputation.NewSpamTree()
	l := openForTest(t, path, tree)
	op, _, _ := tree.Spam(address, 1, testNow)
	appendOps(t, l, []reputation.TreeOperation{op})
	l.Close()

	// Append a second record in a second session; its tag chains over
	// the first session's record.
	tree = reputation.NewSpamTree()
	l = openForTest(t, path, tree)
	op, _, _ = tree.Spam(address, 2, testNow)
	appendOps(t, l, []reputation.TreeOperation{op})
	l.Close()

	final := reputation.NewSpamTree()
	l = openForTest(t, path, final)
	defer l.Close()

	if l.RecordCount() != 2 {
		t.Fatalf("RecordCount() = %d, want 2", l.RecordCount())
	}
	if got := final.QueryStale(address); got.SpamCount != 2 {
		t.Errorf("replayed spam count = %d, want 2", got.SpamCount)
	}
}

func TestLogDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")

	tree := reputation.NewSpamTree()
	l := openForTest(t, path, tree)

	var ops []reputation.TreeOperation
	for i := 0; i < 5; i++ {
		var a reputation.Address
		a[0] = 0x20
		a[15] = byte(i + 1)
		op, _, _ := tree.Spam(a, reputation.User(i), testNow)
		ops = append(ops, op)
	}
	appendOps(t, l, ops)
	l.Close()

	// Flip one payload byte inside record 2.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[HeaderSize+2*RecordSize+3] ^= 0x40
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = Open(path, reputation.NewSpamTree())
	var replayErr *ReplayError
	if !errors.As(err, &replayErr) {
		t.Fatalf("Open after corruption: %v", err)
	}
	if replayErr.Record != 2 {
		t.Errorf("failure at record %d, want 2", replayErr.Record)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("unexpected cause: %v", replayErr.Err)
	}
}

func TestLogTruncatesPartialTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")
	address, _ := reputation.ParseAddress("2001:db8::1")

	tree := reputation.NewSpamTree()
	l := openForTest(t, path, tree)
	op, _, _ := tree.Spam(address, 1, testNow)
	appendOps(t, l, []reputation.TreeOperation{op})
	l.Close()

	// Simulate a crash mid-append: half a record at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(make([]byte, RecordSize/2)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	replayed := reputation.NewSpamTree()
	l = openForTest(t, path, replayed)

	if l.RecordCount() != 1 {
		t.Fatalf("RecordCount() = %d, want 1", l.RecordCount())
	}

	// The next append lands where the partial record was.
	op2, _, _ := replayed.Spam(address, 2, testNow)
	appendOps(t, l, []reputation.TreeOperation{op2})
	l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(HeaderSize + 2*RecordSize); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}

	final := reputation.NewSpamTree()
	l = openForTest(t, path, final)
	defer l.Close()
	if got := final.QueryStale(address); got.SpamCount != 2 {
		t.Errorf("replayed spam count = %d, want 2", got.SpamCount)
	}
}

func TestLogRejectsShortHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.log")
	if err := os.WriteFile(path, make([]byte, HeaderSize/2), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, reputation.NewSpamTree()); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestCodecRecordLayout(t *testing.T) {
	var key [KeySize]byte
	address, _ := reputation.ParseAddress("2001:db8::1")

	t.Run("spam", func(t *testing.T) {
		c := NewCodec(key)
		rec := c.Encode(reputation.TreeOperation{Kind: reputation.KindSpam, Prefix: address.Prefix(reputation.AddressBits)})
		if len(rec) != RecordSize {
			t.Fatalf("record is %d bytes, want %d", len(rec), RecordSize)
		}
		if rec[0] != 0 {
			t.Errorf("kind byte = %d, want 0", rec[0])
		}
		if got := rec[1:17]; string(got) != string(address[:]) {
			t.Errorf("address bytes = %x", got)
		}
	})

	t.Run("trust carries the prefix length", func(t *testing.T) {
		c := NewCodec(key)
		rec := c.Encode(reputation.TreeOperation{Kind: reputation.KindTrust, Prefix: address.Prefix(20)})
		if rec[0] != 20 {
			t.Errorf("kind byte = %d, want 20", rec[0])
		}
		// The stored address is the canonical prefix, trailing bits zero.
		want := address.Prefix(20).First()
		if got := rec[1:17]; string(got) != string(want[:]) {
			t.Errorf("address bytes = %x, want %x", got, want[:])
		}
	})

	t.Run("verification is order-sensitive", func(t *testing.T) {
		write := NewCodec(key)
		_ = write.Encode(reputation.TreeOperation{Kind: reputation.KindSpam, Prefix: address.Prefix(reputation.AddressBits)})
		rec2 := write.Encode(reputation.TreeOperation{Kind: reputation.KindTrust, Prefix: address.Prefix(20)})

		read := NewCodec(key)
		if _, err := read.Verify(rec2); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("out-of-order record verified: %v", err)
		}
	})

	t.Run("rejects garbage kind bytes", func(t *testing.T) {
		write := NewCodec(key)
		rec := write.Encode(reputation.TreeOperation{Kind: reputation.KindSpam, Prefix: address.Prefix(reputation.AddressBits)})
		rec[0] = 200

		read := NewCodec(key)
		if _, err := read.Verify(rec); err == nil {
			t.Error("expected an error for kind byte 200")
		}
	})

	t.Run("rejects a non-canonical trust prefix", func(t *testing.T) {
		write := NewCodec(key)
		rec := write.Encode(reputation.TreeOperation{Kind: reputation.KindTrust, Prefix: address.Prefix(reputation.AddressBits)})
		rec[0] = 20 // claims /20 but bits are set beyond it

		read := NewCodec(key)
		if _, err := read.Verify(rec); err == nil {
			t.Error("expected an error for trailing bits past the prefix")
		}
	})
}
