package assembler

import (
	"bytes"
	"compress/gzip"
	"net"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlow(port uint16) types.FiveTuple {
	return types.NewFiveTuple(net.ParseIP("10.0.0.1"), port, net.ParseIP("10.0.0.2"), 80, types.TransportTCP)
}

func newTestRegistry(capacity int) (*Registry, *events.Recorder) {
	bus := events.NewBus()
	return NewRegistry(capacity, 1<<20, bus), events.NewRecorder(bus)
}

func streamOpts(name string, length int64) Options {
	return Options{
		Flow:           testFlow(40000),
		Kind:           types.ArtifactHTTPGet,
		Filename:       name,
		DeclaredLength: length,
		Time:           time.Unix(1700000000, 0),
	}
}

func TestStream_AddDataBeforeActivateRejected(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewStream(streamOpts("a.txt", 5))

	n, err := a.AddData([]byte("hello"), NoSequence)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 0, n)
	assert.False(t, a.AssembleAndClose(), "never activated assembler emits nothing")
	assert.Empty(t, rec.Files())
}

func TestStream_AssembleAndCloseIdempotent(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewStream(streamOpts("a.txt", -1))
	require.True(t, a.TryActivate())
	require.True(t, a.TryActivate(), "double activation is a no-op")

	_, err := a.AddData([]byte("hello"), NoSequence)
	require.NoError(t, err)

	assert.True(t, a.AssembleAndClose())
	assert.False(t, a.AssembleAndClose())

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, []byte("hello"), files[0].Artifact.Data)
	assert.Equal(t, 0, reg.Len())

	_, err = a.AddData([]byte("x"), NoSequence)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStream_FinishesAtDeclaredLength(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewStream(streamOpts("page", 10))
	require.True(t, a.TryActivate())

	n, _ := a.AddData([]byte("<html>"), NoSequence)
	assert.Equal(t, 6, n)
	assert.Empty(t, rec.Files())

	n, _ = a.AddData([]byte("</h>GET / HTTP/1.1"), NoSequence)
	assert.Equal(t, 4, n, "bytes past the declared length are left to the caller")

	files := rec.Files()
	require.Len(t, files, 1)
	art := files[0].Artifact
	assert.Equal(t, "<html></h>", string(art.Data))
	assert.False(t, art.Truncated)
	assert.NotEmpty(t, art.MD5)
	assert.NotEmpty(t, art.SHA256)
	assert.NotEmpty(t, art.BLAKE3)
	assert.Equal(t, "page.html", art.Filename, "extension from detected type")
}

func TestStream_OutOfOrderSequence(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewStream(streamOpts("f.bin", 9))
	require.True(t, a.TryActivate())

	_, err := a.AddData([]byte("abc"), 1000)
	require.NoError(t, err)
	_, err = a.AddData([]byte("ghi"), 1006)
	require.NoError(t, err)
	_, err = a.AddData([]byte("bcdef"), 1001) // overlaps one byte
	require.NoError(t, err)

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "abcdefghi", string(files[0].Artifact.Data))
}

func TestStream_Chunked(t *testing.T) {
	reg, rec := newTestRegistry(10)
	opts := streamOpts("c.txt", -1)
	opts.Chunked = true
	a := reg.NewStream(opts)
	require.True(t, a.TryActivate())

	body := "5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\n\r\nHTTP/1.1 200 OK"
	n, err := a.AddData([]byte(body[:9]), NoSequence)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	n, err = a.AddData([]byte(body[9:]), NoSequence)
	require.NoError(t, err)
	assert.Equal(t, len(body)-9-len("HTTP/1.1 200 OK"), n)

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "hello world", string(files[0].Artifact.Data))
}

func TestStream_TruncatesBeyondMaxSize(t *testing.T) {
	bus := events.NewBus()
	rec := events.NewRecorder(bus)
	reg := NewRegistry(10, 4, bus)
	a := reg.NewStream(streamOpts("big", -1))
	require.True(t, a.TryActivate())
	_, _ = a.AddData([]byte("0123456789"), NoSequence)
	a.AssembleAndClose()

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "0123", string(files[0].Artifact.Data))
	assert.True(t, files[0].Artifact.Truncated)
	assert.NotEmpty(t, rec.Anomalies())
}

func TestStream_GzipDecoding(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("compressed body"))
	require.NoError(t, zw.Close())

	reg, rec := newTestRegistry(10)
	opts := streamOpts("z.txt", int64(buf.Len()))
	opts.Encoding = EncodingGzip
	a := reg.NewStream(opts)
	require.True(t, a.TryActivate())
	_, _ = a.AddData(buf.Bytes(), NoSequence)

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "compressed body", string(files[0].Artifact.Data))
}

func TestRegistry_HasActiveStreamAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(10)
	opts := streamOpts("x", -1)
	a := reg.NewStream(opts)

	require.True(t, reg.Register(a))
	assert.False(t, reg.HasActiveStream(opts.Flow, false))
	got, ok := reg.Stream(Key{Flow: opts.Flow})
	require.True(t, ok)
	assert.Same(t, a, got)

	require.True(t, a.TryActivate())
	assert.True(t, reg.HasActiveStream(opts.Flow, false))
	assert.False(t, reg.HasActiveStream(opts.Flow, true))

	b := reg.NewStream(opts)
	assert.False(t, reg.Register(b), "active assembler keeps its key")
	assert.False(t, b.TryActivate())
}

func TestRegistry_RegisterReplacesInactive(t *testing.T) {
	reg, rec := newTestRegistry(10)
	opts := streamOpts("x", -1)
	a := reg.NewStream(opts)
	b := reg.NewStream(opts)
	require.True(t, reg.Register(a))
	require.True(t, reg.Register(b))
	assert.True(t, a.IsClosed())
	got, _ := reg.Lookup(b.Key())
	assert.Same(t, Assembler(b), got)
	assert.Empty(t, rec.Files())
}

func TestRegistry_EvictionFlushesPartial(t *testing.T) {
	reg, rec := newTestRegistry(1)
	first := reg.NewStream(streamOpts("first.txt", 100))
	require.True(t, first.TryActivate())
	_, _ = first.AddData([]byte("partial"), NoSequence)

	opts := streamOpts("second.txt", -1)
	opts.Flow = testFlow(40001)
	second := reg.NewStream(opts)
	require.True(t, second.TryActivate())

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "first.txt", files[0].Artifact.Filename)
	assert.True(t, files[0].Artifact.Truncated)
	assert.True(t, first.IsClosed())
}

func TestRegistry_ResetDiscards(t *testing.T) {
	reg, rec := newTestRegistry(5)
	a := reg.NewStream(streamOpts("a", -1))
	require.True(t, a.TryActivate())
	_, _ = a.AddData([]byte("data"), NoSequence)

	reg.Reset()
	assert.True(t, a.IsClosed())
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, rec.Files())
}

func TestRegistry_FlushFinalizesAll(t *testing.T) {
	reg, rec := newTestRegistry(5)
	open := reg.NewStream(streamOpts("open.html", -1))
	require.True(t, open.TryActivate())
	_, _ = open.AddData([]byte("<html>hi</html>"), NoSequence)

	opts := streamOpts("short.bin", 10)
	opts.Flow = testFlow(40001)
	short := reg.NewStream(opts)
	require.True(t, short.TryActivate())
	_, _ = short.AddData([]byte("abc"), NoSequence)

	// registered but never activated: nothing to emit
	opts = streamOpts("idle.bin", 10)
	opts.Flow = testFlow(40002)
	require.True(t, reg.Register(reg.NewStream(opts)))

	assert.Equal(t, 2, reg.Flush())
	assert.Zero(t, reg.Len())

	byName := map[string]*types.Artifact{}
	for _, f := range rec.Files() {
		byName[f.Artifact.Filename] = f.Artifact
	}
	require.Len(t, byName, 2)
	assert.False(t, byName["open.html"].Truncated)
	assert.Equal(t, "<html>hi</html>", string(byName["open.html"].Data))
	assert.True(t, byName["short.bin"].Truncated)
	require.Len(t, rec.Anomalies(), 1)
	assert.Contains(t, rec.Anomalies()[0].Message, "received 3 bytes, expected 10")
}

func TestStream_UnfinishedChunkedIsTruncated(t *testing.T) {
	reg, rec := newTestRegistry(10)
	opts := streamOpts("c.txt", -1)
	opts.Chunked = true
	a := reg.NewStream(opts)
	require.True(t, a.TryActivate())
	_, err := a.AddData([]byte("5\r\nhello\r\n6\r\n wo"), NoSequence)
	require.NoError(t, err)

	require.True(t, a.AssembleAndClose())
	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "hello wo", string(files[0].Artifact.Data))
	assert.True(t, files[0].Artifact.Truncated)
	require.Len(t, rec.Anomalies(), 1)
	assert.Contains(t, rec.Anomalies()[0].Message, "before the last chunk")
}

func TestSegment_OutOfOrderWrites(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewSegment(Options{Flow: testFlow(1), StreamID: "file", Filename: "report.docx", DeclaredLength: -1})
	require.True(t, a.TryActivate())

	second := bytes.Repeat([]byte{'B'}, 4096)
	first := bytes.Repeat([]byte{'A'}, 4096)
	require.NoError(t, a.WriteAt(4096, second))
	require.NoError(t, a.WriteAt(0, first))
	require.NoError(t, a.WriteAt(100, first[:10]), "duplicate write merges")
	assert.Equal(t, int64(8192), a.Covered())

	a.SetFileSize(8192)
	assert.True(t, a.Complete())
	require.True(t, a.AssembleAndClose())

	files := rec.Files()
	require.Len(t, files, 1)
	data := files[0].Artifact.Data
	require.Len(t, data, 8192)
	assert.Equal(t, first, data[:4096])
	assert.Equal(t, second, data[4096:])
	assert.False(t, files[0].Artifact.Truncated)
}

func TestSegment_GapsAreReported(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewSegment(Options{Flow: testFlow(1), Filename: "gap.bin", DeclaredLength: 10})
	require.True(t, a.TryActivate())
	require.NoError(t, a.WriteAt(0, []byte("abc")))
	require.NoError(t, a.WriteAt(8, []byte("xyz")), "write past declared size is truncated")
	assert.False(t, a.Complete())
	a.AssembleAndClose()

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Len(t, files[0].Artifact.Data, 10)
	assert.True(t, files[0].Artifact.Truncated)
	assert.GreaterOrEqual(t, len(rec.Anomalies()), 2)
}

func TestSegment_Errors(t *testing.T) {
	reg, _ := newTestRegistry(10)
	a := reg.NewSegment(Options{Flow: testFlow(1), DeclaredLength: -1})
	assert.ErrorIs(t, a.WriteAt(0, []byte("x")), ErrNotActive)
	require.True(t, a.TryActivate())
	assert.ErrorIs(t, a.WriteAt(-1, []byte("x")), ErrBadOffset)
	a.Discard()
	assert.ErrorIs(t, a.WriteAt(0, []byte("x")), ErrClosed)
}

func TestSegment_ShrinkDropsData(t *testing.T) {
	reg, rec := newTestRegistry(10)
	a := reg.NewSegment(Options{Flow: testFlow(1), Filename: "s.txt", DeclaredLength: -1})
	require.True(t, a.TryActivate())
	require.NoError(t, a.WriteAt(0, []byte("abcdef")))
	a.SetFileSize(3)
	assert.True(t, a.Complete())
	a.AssembleAndClose()
	require.Len(t, rec.Files(), 1)
	assert.Equal(t, "abc", string(rec.Files()[0].Artifact.Data))
}

func TestDecode(t *testing.T) {
	out, trunc, err := Decode(EncodingBase64, []byte("aGVs\r\nbG8"), 100)
	require.NoError(t, err)
	assert.False(t, trunc)
	assert.Equal(t, "hello", string(out))

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, _ = bw.Write([]byte("brotli data"))
	require.NoError(t, bw.Close())
	out, _, err = Decode(EncodingBrotli, buf.Bytes(), 100)
	require.NoError(t, err)
	assert.Equal(t, "brotli data", string(out))

	out, trunc, err = Decode(EncodingIdentity, []byte("abc"), 1)
	require.NoError(t, err)
	assert.False(t, trunc, "identity content is capped by the assembler, not here")
	assert.Equal(t, "abc", string(out))

	assert.Equal(t, EncodingGzip, ParseContentEncoding(" GZIP "))
	assert.Equal(t, EncodingIdentity, ParseContentEncoding("7bit"))
}
