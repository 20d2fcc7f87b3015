// Package share transfers files between paired devices. The file content
// rides as an out-of-band payload; the packet body only names the file.
// Received files land in the configured download directory under a
// sanitized name, and payloads that failed hash verification are discarded.
package share

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/olafkfreund/cosmic-connect/dispatch"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/proto"
)

// Body is the cosmic.share.request packet body. The engine adds the
// payloadHash key when the packet goes out with a payload attached.
type Body struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
}

type Plugin struct {
	log         logger.Logger
	downloadDir string
}

func New(downloadDir string, log logger.Logger) *Plugin {
	return &Plugin{
		log:         log.WithComponent("plugin.share"),
		downloadDir: downloadDir,
	}
}

func (p *Plugin) Name() string { return "share" }

func (p *Plugin) IncomingTypes() []string { return []string{proto.TypeShareRequest} }

func (p *Plugin) OutgoingTypes() []string { return []string{proto.TypeShareRequest} }

func (p *Plugin) HandlePacket(peer dispatch.Peer, pkt *proto.Packet, payload *dispatch.Payload) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	if payload == nil {
		p.log.Warn().Str("device", peer.DeviceID()).Str("filename", body.Filename).
			Msg("share request without payload, ignoring")
		return nil
	}

	if payload.Untrusted {
		p.log.Warn().Str("device", peer.DeviceID()).Str("filename", body.Filename).
			Msg("discarding share payload that failed hash verification")
		return nil
	}

	if err := os.MkdirAll(p.downloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	name := sanitizeFilename(body.Filename)
	path := uniquePath(p.downloadDir, name)

	if err := os.WriteFile(path, payload.Data, 0o644); err != nil {
		return fmt.Errorf("save shared file: %w", err)
	}

	p.log.Info().Str("device", peer.DeviceID()).Str("path", path).
		Int("bytes", len(payload.Data)).Msg("file received")

	return nil
}

// Send shares data with the peer under the given filename. Only the base
// name travels; local directory structure is nobody's business.
func Send(peer dispatch.Peer, filename string, data []byte) error {
	pkt, err := proto.NewPacket(proto.TypeShareRequest, &Body{
		Filename: sanitizeFilename(filename),
		Size:     int64(len(data)),
	})
	if err != nil {
		return err
	}

	return peer.SendPacketWithPayload(pkt, data)
}

// sanitizeFilename reduces a peer-supplied name to a bare file name that
// cannot escape the download directory.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if name == "" || name == "." || name == ".." || name == "/" {
		return "shared-file"
	}

	return name
}

// uniquePath avoids clobbering an existing download by numbering the name.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
