// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Console represents an SSH console instance.
type Console struct {
	// Banner is the login welcome banner
	Banner string
	// Help returns the `help` command output
	Help func(*term.Terminal) string
	// Handler is the terminal command handler
	Handler func(*term.Terminal, string) error
	// Output is the buffered console output attached to the session terminal
	Output *Output
}

// Session serves a console on an established terminal until the handler
// returns io.EOF or the terminal is closed.
func (c *Console) Session(t *term.Terminal) {
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	if c.Output != nil {
		c.Output.Lock()
		c.Output.Term = t
		c.Output.Unlock()

		defer func() {
			c.Output.Lock()
			c.Output.Term = nil
			c.Output.Unlock()
		}()
	}

	fmt.Fprintf(t, "%s\n", c.Banner)

	if c.Help != nil {
		fmt.Fprintf(t, "%s\n", c.Help(t))
	}

	for {
		cmd, err := t.ReadLine()

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			log.Printf("readline error, %v", err)
			continue
		}

		err = c.Handler(t, cmd)

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}

func (c *Console) handleChannel(newChannel ssh.NewChannel) {
	if t := newChannel.ChannelType(); t != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		return
	}

	conn, requests, err := newChannel.Accept()

	if err != nil {
		log.Printf("error accepting channel, %v", err)
		return
	}

	t := term.NewTerminal(conn, "")

	go func() {
		defer conn.Close()

		c.Session(t)

		log.Printf("closing ssh connection")
	}()

	go func() {
		for req := range requests {
			reqSize := len(req.Payload)

			switch req.Type {
			case "shell":
				// do not accept payload commands
				if len(req.Payload) == 0 {
					_ = req.Reply(true, nil)
				}
			case "pty-req":
				// p10, 6.2.  Requesting a Pseudo-Terminal, RFC4254
				if reqSize < 4 {
					log.Printf("malformed pty-req request")
					continue
				}

				termVariableSize := int(req.Payload[3])

				if reqSize < 4+termVariableSize+8 {
					log.Printf("malformed pty-req request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload[4+termVariableSize:])
				h := binary.BigEndian.Uint32(req.Payload[4+termVariableSize+4:])

				_ = t.SetSize(int(w), int(h))
				_ = req.Reply(true, nil)
			case "window-change":
				// p10, 6.7.  Window Dimension Change Message, RFC4254
				if reqSize < 8 {
					log.Printf("malformed window-change request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload)
				h := binary.BigEndian.Uint32(req.Payload[4:])

				_ = t.SetSize(int(w), int(h))
			}
		}
	}()
}

func (c *Console) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		go c.handleChannel(newChannel)
	}
}

func (c *Console) listen(listener net.Listener, srv *ssh.ServerConfig) {
	for {
		conn, err := listener.Accept()

		if errors.Is(err, net.ErrClosed) {
			return
		}

		if err != nil {
			log.Printf("error accepting connection, %v", err)
			continue
		}

		sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv)

		if err != nil {
			log.Printf("error accepting handshake, %v", err)
			continue
		}

		log.WithField("remote", sshConn.RemoteAddr()).Printf("new ssh connection (%s)", sshConn.ClientVersion())

		go ssh.DiscardRequests(reqs)
		go c.handleChannels(chans)
	}
}

// Start instantiates an SSH console on the given listener, it stops serving
// once the listener is closed.
func (c *Console) Start(listener net.Listener) (err error) {
	srv := &ssh.ServerConfig{
		NoClientAuth: true,
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)

	if err != nil {
		return fmt.Errorf("private key generation error, %v", err)
	}

	signer, err := ssh.NewSignerFromKey(key)

	if err != nil {
		return fmt.Errorf("key conversion error, %v", err)
	}

	log.Printf("starting ssh server (%s)", ssh.FingerprintSHA256(signer.PublicKey()))

	srv.AddHostKey(signer)

	go c.listen(listener, srv)

	return
}
