package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	c := New(strings.NewReader("EHLO there\r\nMAIL FROM:<a@b.com>\nQUIT\r\n"), io.Discard)

	for _, want := range []string{"EHLO there", "MAIL FROM:<a@b.com>", "QUIT"} {
		got, err := c.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if got != want {
			t.Errorf("ReadLine: got %q, want %q", got, want)
		}
	}

	if _, err := c.ReadLine(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadLineTooLong(t *testing.T) {
	c := New(strings.NewReader(strings.Repeat("a", MaxLineLength+1)+"\r\n"), io.Discard)
	if _, err := c.ReadLine(); err != ErrLineTooLong {
		t.Errorf("expected ErrLineTooLong, got %v", err)
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	c := New(strings.NewReader(""), &buf)

	if err := c.WriteLine("250 OK"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if buf.String() != "250 OK\r\n" {
		t.Errorf("got %q, want %q", buf.String(), "250 OK\r\n")
	}
}

func TestReadDotTerminated(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		max     int64
		want    string
		wantErr error
	}{
		{"empty message", ".\r\n", 1000, "", nil},
		{"simple body", "hello\r\nworld\r\n.\r\n", 1000, "hello\r\nworld\r\n", nil},
		{"leading dot unstuffed", "abc\r\n.def\r\n.\r\n", 1000, "abc\r\ndef\r\n", nil},
		{"doubled leading dot", "abc\r\n..def\r\n.\r\n", 1000, "abc\r\n.def\r\n", nil},
		{"lone doubled dot line", "..\r\n.\r\n", 1000, ".\r\n", nil},
		{"too large", "abcdefgh\r\n.\r\n", 4, "", ErrMessageTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(strings.NewReader(tc.input), io.Discard)
			got, err := c.ReadDotTerminated(tc.max)
			if err != tc.wantErr {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadDotTerminatedKeepsFramingAfterTooLarge(t *testing.T) {
	// Even though the message is too large, the reader must consume through
	// the terminator so the next ReadLine sees the next real command, not
	// leftover message body (smuggling prevention).
	c := New(strings.NewReader("aaaaaaaaaa\r\n.\r\nQUIT\r\n"), io.Discard)

	if _, err := c.ReadDotTerminated(2); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	line, err := c.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine after too-large DATA: %v", err)
	}
	if line != "QUIT" {
		t.Errorf("got %q, want QUIT", line)
	}
}
