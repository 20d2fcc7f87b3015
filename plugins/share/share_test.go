package share

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

type fakePeer struct {
	sent     []*proto.Packet
	payloads [][]byte
}

func (p *fakePeer) DeviceID() string   { return "peer-1" }
func (p *fakePeer) DeviceName() string { return "Peer One" }

func (p *fakePeer) SendPacket(pkt *proto.Packet) error {
	p.sent = append(p.sent, pkt)
	return nil
}

func (p *fakePeer) SendPacketWithPayload(pkt *proto.Packet, data []byte) error {
	p.sent = append(p.sent, pkt)
	p.payloads = append(p.payloads, data)
	return nil
}

func sharePacket(t *testing.T, filename string) *proto.Packet {
	t.Helper()

	pkt, err := proto.NewPacket(proto.TypeShareRequest, &Body{Filename: filename})
	require.NoError(t, err)
	return pkt
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestReceiveSavesFile(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, logger.NewNop())

	payload := &dispatch.Payload{Data: []byte("file contents")}
	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "notes.txt"), payload))

	saved, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("file contents"), saved)
}

func TestReceiveDiscardsUntrustedPayload(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, logger.NewNop())

	payload := &dispatch.Payload{Data: []byte("tampered"), Untrusted: true}
	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "evil.txt"), payload))

	assert.Empty(t, dirEntries(t, dir))
}

func TestReceiveWithoutPayloadIsIgnored(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, logger.NewNop())

	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "ghost.txt"), nil))

	assert.Empty(t, dirEntries(t, dir))
}

func TestReceiveSanitizesTraversal(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, logger.NewNop())

	payload := &dispatch.Payload{Data: []byte("x")}
	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "../../etc/passwd"), payload))

	assert.Equal(t, []string{"passwd"}, dirEntries(t, dir))
}

func TestReceiveDuplicateNamesDoNotClobber(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, logger.NewNop())

	first := &dispatch.Payload{Data: []byte("first")}
	second := &dispatch.Payload{Data: []byte("second")}
	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "photo.jpg"), first))
	require.NoError(t, p.HandlePacket(&fakePeer{}, sharePacket(t, "photo.jpg"), second))

	assert.ElementsMatch(t, []string{"photo.jpg", "photo (1).jpg"}, dirEntries(t, dir))

	kept, err := os.ReadFile(filepath.Join(dir, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), kept)
}

func TestSendAttachesPayload(t *testing.T) {
	peer := &fakePeer{}
	data := []byte("document body")

	require.NoError(t, Send(peer, "/home/alice/report.pdf", data))
	require.Len(t, peer.sent, 1)
	require.Len(t, peer.payloads, 1)

	pkt := peer.sent[0]
	assert.Equal(t, proto.TypeShareRequest, pkt.Type)
	assert.Equal(t, data, peer.payloads[0])

	var body Body
	require.NoError(t, pkt.DecodeBody(&body))
	assert.Equal(t, "report.pdf", body.Filename)
	assert.Equal(t, int64(len(data)), body.Size)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"notes.txt":          "notes.txt",
		"../../etc/passwd":   "passwd",
		`..\..\boot.ini`:     "boot.ini",
		"  padded.txt  ":     "padded.txt",
		"":                   "shared-file",
		".":                  "shared-file",
		"..":                 "shared-file",
		"/":                  "shared-file",
		"dir/sub/leaf.bin":   "leaf.bin",
		"trailing/slash/dir": "dir",
	}

	for input, want := range cases {
		assert.Equal(t, want, sanitizeFilename(input), "input %q", input)
	}
}
