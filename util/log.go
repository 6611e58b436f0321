// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// SetupLog configures the standard logger level and output.
func SetupLog(level string, w io.Writer) (err error) {
	lvl, err := log.ParseLevel(level)

	if err != nil {
		return
	}

	log.SetLevel(lvl)
	log.SetOutput(w)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	return
}

// Output buffers console characters written by enclaves and by the host OS
// separately, flushing them one line at a time to avoid interleaving.
type Output struct {
	sync.Mutex

	// Writer receives flushed lines when no terminal is attached
	Writer io.Writer
	// Term, when set, receives flushed lines colored by origin
	Term *term.Terminal

	secure    bytes.Buffer
	nonSecure bytes.Buffer
}

// PutChar buffers a character, secure is set for enclave output.
func (o *Output) PutChar(c byte, secure bool) {
	o.Lock()
	defer o.Unlock()

	buf := &o.nonSecure

	if secure {
		buf = &o.secure
	}

	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		o.flush(buf, secure)
	}
}

func (o *Output) flush(buf *bytes.Buffer, secure bool) {
	defer buf.Reset()

	if t := o.Term; t != nil {
		color := t.Escape.Red

		if secure {
			color = t.Escape.Green
		}

		t.Write(color)
		t.Write(buf.Bytes())
		t.Write(t.Escape.Reset)

		return
	}

	if o.Writer != nil {
		o.Writer.Write(buf.Bytes())
	}
}
