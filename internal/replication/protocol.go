// Package replication moves share snapshots between appliances. The broker
// accepts send requests on the local IPC socket and runs at most one send
// worker per replica; the send worker streams a btrfs send to the remote
// appliance's receive listener, and both sides record their attempt as a
// trail row.
package replication

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rockstor/replicad/internal/ipc"
)

// Broker commands.
const (
	CmdNewSend = "new-send"
	CmdStatus  = "status"
)

// Replies to new-send.
const (
	ReplyStarted   = "started"
	ReplyCoalesced = "coalesced"
)

// Receive stream frame commands, in the order a sender emits them.
const (
	FrameBegin = "begin"
	FrameData  = "data"
	FrameEnd   = "end"
)

// DefaultChunkSize is the payload size of one data frame.
const DefaultChunkSize = 1 << 20

// Header is carried by the begin frame of a receive stream.
type Header struct {
	SessionID     string `json:"session_id"`
	ApplianceUUID string `json:"appliance_uuid"` // the sending appliance
	SrcShare      string `json:"src_share"`
	DestPool      string `json:"dest_pool"`
	DestShare     string `json:"dest_share,omitempty"`
	SnapName      string `json:"snap_name"`
	Incremental   bool   `json:"incremental"`
	Parent        string `json:"parent,omitempty"`
}

func (h Header) validate() error {
	var missing []string
	if h.ApplianceUUID == "" {
		missing = append(missing, "appliance_uuid")
	}
	if h.SrcShare == "" {
		missing = append(missing, "src_share")
	}
	if h.DestPool == "" {
		missing = append(missing, "dest_pool")
	}
	if h.SnapName == "" {
		missing = append(missing, "snap_name")
	}
	if h.Incremental && h.Parent == "" {
		missing = append(missing, "parent")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: begin header lacks %s", ipc.ErrMalformed, strings.Join(missing, ", "))
	}
	for _, name := range []string{h.SrcShare, h.DestShare, h.SnapName, h.Parent} {
		if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
			return fmt.Errorf("%w: invalid name %q in begin header", ipc.ErrMalformed, name)
		}
	}
	return nil
}

// DestShareName returns the local share a stream lands in. Without an
// explicit destination it is derived from the sender and source share.
func (h Header) DestShareName() string {
	if h.DestShare != "" {
		return h.DestShare
	}
	return h.ApplianceUUID + "_" + h.SrcShare
}

func beginFrames(h Header) (*ipc.Frames, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("replication: encode header: %w", err)
	}
	return &ipc.Frames{[]byte(FrameBegin), b}, nil
}

func parseBegin(f *ipc.Frames) (Header, error) {
	if f.Command() != FrameBegin || f.Len() != 2 {
		return Header{}, fmt.Errorf("%w: stream must open with a begin frame, got %q", ipc.ErrMalformed, f.Command())
	}
	var h Header
	if err := json.Unmarshal(f.Raw(1), &h); err != nil {
		return Header{}, fmt.Errorf("%w: begin header: %v", ipc.ErrMalformed, err)
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func dataFrame(chunk []byte) *ipc.Frames {
	return &ipc.Frames{[]byte(FrameData), chunk}
}

// SnapshotPrefix is the name prefix of the replication snapshots of a
// replica.
func SnapshotPrefix(share string, replicaID uint) string {
	return fmt.Sprintf("%s_%d_replication", share, replicaID)
}

// SnapshotName names the n-th replication snapshot of a replica.
func SnapshotName(share string, replicaID uint, n int64) string {
	return fmt.Sprintf("%s_%d", SnapshotPrefix(share, replicaID), n)
}

// toKB rounds a byte count up to KiB.
func toKB(n int64) int64 {
	return (n + 1023) / 1024
}
