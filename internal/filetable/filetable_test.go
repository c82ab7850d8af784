package filetable

import (
	"bytes"
	"testing"
)

type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestStdTableAssignsFixedDescriptors(t *testing.T) {
	stdin := &loopback{in: bytes.NewBufferString("hello"), out: &bytes.Buffer{}}
	stdout := &loopback{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	stderr := &loopback{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	ft := NewStd(stdin, stdout, stderr)

	f, ok := ft.Get(FDStdin)
	if !ok {
		t.Fatal("Get(FDStdin) missing")
	}
	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %d, %v, %q", n, err, buf)
	}

	if _, ok := ft.Get(99); ok {
		t.Fatal("Get(99) should be ok=false")
	}
}

func TestPipeFileRingBufferRoundTrip(t *testing.T) {
	ft := &FileTable{}
	fd := ft.Add(NewPipeFile())

	f, ok := ft.Get(fd)
	if !ok {
		t.Fatal("Get(fd) missing after Add")
	}

	n, err := f.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	buf := make([]byte, 16)
	n, err = f.Read(buf)
	if err != nil || n != 3 || string(buf[:3]) != "abc" {
		t.Fatalf("Read = %d, %v, %q", n, err, buf[:n])
	}

	// Draining an empty pipe never blocks; it reports 0 immediately.
	n, err = f.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Read on empty ring = %d, %v, want 0, nil", n, err)
	}
}

func TestPipeFileWriteReportsShortWriteWhenFull(t *testing.T) {
	ft := &FileTable{}
	fd := ft.Add(NewPipeFile())
	f, _ := ft.Get(fd)

	big := make([]byte, ringSize+100)
	n, err := f.Write(big)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != ringSize {
		t.Fatalf("Write = %d, want %d (full ring)", n, ringSize)
	}
}

func TestClosedFileRejectsReadWrite(t *testing.T) {
	f := NewPipeFile()
	f.Close()
	if _, err := f.Read(make([]byte, 1)); err != ErrClosed {
		t.Fatalf("Read after Close = %v, want ErrClosed", err)
	}
	if _, err := f.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("Write after Close = %v, want ErrClosed", err)
	}
}
