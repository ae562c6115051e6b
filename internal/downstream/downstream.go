// Package downstream wraps an accepted client connection with the
// buffered reader/writer and framing the Proxy Router needs to exchange
// envelopes with it.
package downstream

import (
	"bufio"
	"net"

	"github.com/tonfoundation/liteproxy/internal/wire"
)

// Config holds the buffer sizing for downstream connections.
type Config struct {
	ReadBuf  int `json:"read_buf"`
	WriteBuf int `json:"write_buf"`
}

// Downstream is one accepted client connection.
type Downstream struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer
	Addr   string
}

// New wraps conn with buffered I/O sized per cfg.
func New(conn net.Conn, cfg Config) *Downstream {
	readBuf, writeBuf := cfg.ReadBuf, cfg.WriteBuf
	if readBuf == 0 {
		readBuf = 4096
	}
	if writeBuf == 0 {
		writeBuf = 4096
	}
	return &Downstream{
		Conn:   conn,
		Reader: bufio.NewReaderSize(conn, readBuf),
		Writer: bufio.NewWriterSize(conn, writeBuf),
		Addr:   conn.RemoteAddr().String(),
	}
}

// ReadEnvelope reads and parses a single newline-framed envelope.
func (d *Downstream) ReadEnvelope() (wire.Envelope, error) {
	line, err := d.Reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return wire.Envelope{}, err
	}
	var env wire.Envelope
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if perr := env.Unmarshal(line); perr != nil {
		if err != nil {
			return wire.Envelope{}, err
		}
		return wire.Envelope{}, perr
	}
	return env, err
}

// WriteEnvelope writes a framed envelope and flushes it.
func (d *Downstream) WriteEnvelope(env wire.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if _, err := d.Writer.Write(data); err != nil {
		return err
	}
	return d.Writer.Flush()
}

// Close closes the underlying connection.
func (d *Downstream) Close() error {
	return d.Conn.Close()
}
