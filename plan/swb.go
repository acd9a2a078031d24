package plan

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/nativebuild/sw/errs"
	"github.com/nativebuild/sw/settings"
	"golang.org/x/xerrors"
)

// swbMagic is the ".swb" execution-plan file header (spec §6).
var swbMagic = [4]byte{'S', 'W', 'B', 0x01}

// Save writes p to path as a self-contained ".swb" file: the magic
// header, the settings snapshot used to build the plan, then
// length-prefixed command records, then the length-prefixed edge list.
func Save(path string, p *Plan, snapshot *settings.Value) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.Write(swbMagic[:]); err != nil {
		return err
	}
	snapJSON, err := snapshot.ToJSON()
	if err != nil {
		return err
	}
	if err := writeString(w, snapJSON); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(p.Commands))); err != nil {
		return err
	}
	for _, c := range p.Commands {
		if err := writeCommand(w, c); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(p.Edges))); err != nil {
		return err
	}
	for _, e := range p.Edges {
		if err := binary.Write(w, binary.LittleEndian, uint32(e[0])); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(e[1])); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reconstitutes a plan saved by Save, permitting a build to jump
// straight to the Execute stage (spec §4.F).
func Load(path string) (*Plan, *settings.Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
	}
	if magic != swbMagic {
		return nil, nil, xerrors.Errorf("%s: bad magic %x: %w", path, magic, errs.ErrCorruptDb)
	}
	snapJSON, err := readString(r)
	if err != nil {
		return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
	}
	snapshot, err := settings.Parse(snapJSON)
	if err != nil {
		return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
	}

	var nCmds uint64
	if err := binary.Read(r, binary.LittleEndian, &nCmds); err != nil {
		return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
	}
	cmds := make([]*Command, nCmds)
	for i := range cmds {
		c, err := readCommand(r)
		if err != nil {
			return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
		}
		cmds[i] = c
	}

	var nEdges uint64
	if err := binary.Read(r, binary.LittleEndian, &nEdges); err != nil {
		return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
	}
	edges := make([][2]int, nEdges)
	for i := range edges {
		var u, v uint32
		if err := binary.Read(r, binary.LittleEndian, &u); err != nil {
			return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, nil, xerrors.Errorf("%s: %w: %v", path, errs.ErrCorruptDb, err)
		}
		edges[i] = [2]int{int(u), int(v)}
	}

	return &Plan{Commands: cmds, Edges: edges}, snapshot, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	ss := make([]string, n)
	for i := range ss {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		ss[i] = s
	}
	return ss, nil
}

func writeRedirect(w io.Writer, r *Redirect) error {
	if r == nil {
		return binary.Write(w, binary.LittleEndian, uint8(0))
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(1)); err != nil {
		return err
	}
	if err := writeString(w, r.Path); err != nil {
		return err
	}
	var appendByte uint8
	if r.Append {
		appendByte = 1
	}
	return binary.Write(w, binary.LittleEndian, appendByte)
}

func readRedirect(r io.Reader) (*Redirect, error) {
	var present uint8
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	path, err := readString(r)
	if err != nil {
		return nil, err
	}
	var appendByte uint8
	if err := binary.Read(r, binary.LittleEndian, &appendByte); err != nil {
		return nil, err
	}
	return &Redirect{Path: path, Append: appendByte != 0}, nil
}

func writeCommand(w io.Writer, c *Command) error {
	if err := writeString(w, c.Program); err != nil {
		return err
	}
	if err := writeStrings(w, c.Args); err != nil {
		return err
	}
	if err := writeString(w, c.Dir); err != nil {
		return err
	}
	if err := writeStrings(w, c.Env); err != nil {
		return err
	}
	if err := writeStrings(w, c.Inputs); err != nil {
		return err
	}
	if err := writeStrings(w, c.Outputs); err != nil {
		return err
	}
	if err := writeRedirect(w, c.Stdin); err != nil {
		return err
	}
	if err := writeRedirect(w, c.Stdout); err != nil {
		return err
	}
	return writeRedirect(w, c.Stderr)
}

func readCommand(r io.Reader) (*Command, error) {
	c := &Command{}
	var err error
	if c.Program, err = readString(r); err != nil {
		return nil, err
	}
	if c.Args, err = readStrings(r); err != nil {
		return nil, err
	}
	if c.Dir, err = readString(r); err != nil {
		return nil, err
	}
	if c.Env, err = readStrings(r); err != nil {
		return nil, err
	}
	if c.Inputs, err = readStrings(r); err != nil {
		return nil, err
	}
	if c.Outputs, err = readStrings(r); err != nil {
		return nil, err
	}
	if c.Stdin, err = readRedirect(r); err != nil {
		return nil, err
	}
	if c.Stdout, err = readRedirect(r); err != nil {
		return nil, err
	}
	if c.Stderr, err = readRedirect(r); err != nil {
		return nil, err
	}
	return c, nil
}
