package secondary

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

// wireOp names an IP-Uptane request/response pair, the simplest possible
// realisation of the reference design's custom TCP transport: no
// code-generation step, just a length-prefixed gob envelope.
type wireOp int

const (
	opGetSerial wireOp = iota
	opGetHwID
	opGetPublicKey
	opGetManifest
	opGetRootVersion
	opPutRoot
	opPutMetadata
	opSendFirmware
)

type wireRequest struct {
	Op       wireOp
	Director bool
	Data     []byte
	Pack     MetaPack
}

type wireResponse struct {
	Op        wireOp
	Result    bool
	Version   int
	Data      []byte
	PublicKey types.PublicKey
}

// TCPUptane is a secondary reached over a persistent net.TCPConn using
// length-prefixed gob frames and a bounded per-call timeout.
type TCPUptane struct {
	serial  types.EcuSerial
	hwID    types.HardwareIdentifier
	conn    net.Conn
	timeout time.Duration
}

// NewTCPUptane wraps an already-dialled connection. Dialling and
// reconnect policy are the caller's concern (discovery, retry backoff);
// this type only frames calls over whatever conn it is given.
func NewTCPUptane(serial types.EcuSerial, hwID types.HardwareIdentifier, conn net.Conn, timeout time.Duration) *TCPUptane {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPUptane{serial: serial, hwID: hwID, conn: conn, timeout: timeout}
}

func (t *TCPUptane) Kind() Kind                     { return KindTCPUptane }
func (t *TCPUptane) Serial() types.EcuSerial        { return t.serial }
func (t *TCPUptane) HwID() types.HardwareIdentifier { return t.hwID }

func (t *TCPUptane) call(ctx context.Context, req wireRequest) (wireResponse, error) {
	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return wireResponse{}, err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return wireResponse{}, err
	}
	if err := writeFrame(t.conn, buf.Bytes()); err != nil {
		return wireResponse{}, err
	}

	respBytes, err := readFrame(t.conn)
	if err != nil {
		return wireResponse{}, err
	}
	var resp wireResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return wireResponse{}, err
	}
	if resp.Op != req.Op {
		return wireResponse{}, fmt.Errorf("tcpuptane: mismatched response op %d for request op %d", resp.Op, req.Op)
	}
	return resp, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *TCPUptane) GetPublicKey(ctx context.Context) (types.PublicKey, error) {
	resp, err := t.call(ctx, wireRequest{Op: opGetPublicKey})
	if err != nil {
		return types.PublicKey{}, err
	}
	return resp.PublicKey, nil
}

func (t *TCPUptane) GetManifest(ctx context.Context) ([]byte, error) {
	resp, err := t.call(ctx, wireRequest{Op: opGetManifest})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (t *TCPUptane) GetRootVersion(ctx context.Context, director bool) (int, error) {
	resp, err := t.call(ctx, wireRequest{Op: opGetRootVersion, Director: director})
	if err != nil {
		return -1, err
	}
	return resp.Version, nil
}

func (t *TCPUptane) PutRoot(ctx context.Context, data []byte, director bool) (bool, error) {
	resp, err := t.call(ctx, wireRequest{Op: opPutRoot, Data: data, Director: director})
	if err != nil {
		return false, err
	}
	return resp.Op == opPutRoot && resp.Result, nil
}

// PutMetadata's success predicate is resp.Op == opPutMetadata &&
// resp.Result — deliberately not negated, correcting the inverted check
// in the transport this was modelled on.
func (t *TCPUptane) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	resp, err := t.call(ctx, wireRequest{Op: opPutMetadata, Pack: pack})
	if err != nil {
		return false, err
	}
	return resp.Op == opPutMetadata && resp.Result, nil
}

func (t *TCPUptane) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	resp, err := t.call(ctx, wireRequest{Op: opSendFirmware, Data: data})
	if err != nil {
		return false, err
	}
	return resp.Op == opSendFirmware && resp.Result, nil
}
