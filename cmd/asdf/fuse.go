package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"

	asdf "github.com/asdf-format/asdf-go"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const fuseHelp = `asdf fuse <file> <mountpoint>

Mount an ASDF file as a read-only file system: tree.yaml holds the YAML
tree, block0000, block0001, ... hold the (decompressed on demand) payload
of each binary block.

Example:
  % asdf fuse image.asdf /mnt/image
`

const (
	treeInode  = fuseops.RootInodeID + 1
	blockInode = fuseops.RootInodeID + 2
)

type asdfFS struct {
	fuseutil.NotImplementedFileSystem

	file   *asdf.File
	tree   []byte
	blocks []*asdf.Block
}

func (fs *asdfFS) blockName(i int) string { return fmt.Sprintf("block%04d", i) }

func (fs *asdfFS) attributes(inode fuseops.InodeID) (fuseops.InodeAttributes, error) {
	switch {
	case inode == fuseops.RootInodeID:
		return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0555}, nil
	case inode == treeInode:
		return fuseops.InodeAttributes{Nlink: 1, Mode: 0444, Size: uint64(len(fs.tree))}, nil
	default:
		i := int(inode - blockInode)
		if i < 0 || i >= len(fs.blocks) {
			return fuseops.InodeAttributes{}, fuse.ENOENT
		}
		return fuseops.InodeAttributes{Nlink: 1, Mode: 0444, Size: fs.blocks[i].DataSize()}, nil
	}
}

func (fs *asdfFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *asdfFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != fuseops.RootInodeID {
		return fuse.ENOENT
	}
	var inode fuseops.InodeID
	if op.Name == "tree.yaml" {
		inode = treeInode
	} else {
		found := false
		for i := range fs.blocks {
			if op.Name == fs.blockName(i) {
				inode = blockInode + fuseops.InodeID(i)
				found = true
				break
			}
		}
		if !found {
			return fuse.ENOENT
		}
	}
	attrs, err := fs.attributes(inode)
	if err != nil {
		return err
	}
	op.Entry = fuseops.ChildInodeEntry{Child: inode, Attributes: attrs}
	return nil
}

func (fs *asdfFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.attributes(op.Inode)
	if err != nil {
		return err
	}
	op.Attributes = attrs
	return nil
}

func (fs *asdfFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return fuse.ENOENT
	}
	return nil
}

func (fs *asdfFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return fuse.EIO
	}
	entries := []fuseutil.Dirent{
		{Offset: 1, Inode: treeInode, Name: "tree.yaml", Type: fuseutil.DT_File},
	}
	for i := range fs.blocks {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1), // (opaque) offset of the next entry
			Inode:  blockInode + fuseops.InodeID(i),
			Name:   fs.blockName(i),
			Type:   fuseutil.DT_File,
		})
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *asdfFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return nil
}

func (fs *asdfFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if op.Inode == treeInode {
		if op.Offset > int64(len(fs.tree)) {
			return nil
		}
		op.BytesRead = copy(op.Dst, fs.tree[op.Offset:])
		return nil
	}
	i := int(op.Inode - blockInode)
	if i < 0 || i >= len(fs.blocks) {
		return fuse.EIO
	}
	// Block reads go through ReadAt so lazily decompressed blocks
	// materialize only the touched chunks.
	n, err := fs.blocks[i].ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	return err
}

func fuseMount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fuse", flag.ExitOnError)
	fset.Usage = usage(fset, fuseHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: fuse <file> <mountpoint>")
	}
	filename, mountpoint := fset.Arg(0), fset.Arg(1)

	f, err := asdf.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	fs := &asdfFS{file: f}
	if root := f.Root(); root != nil {
		out, err := yaml.Marshal(root.Node())
		if err != nil {
			return err
		}
		fs.tree = out
	}
	for i := 0; i < f.BlockCount(); i++ {
		b, err := f.OpenBlock(i)
		if err != nil {
			return err
		}
		fs.blocks = append(fs.blocks, b)
	}

	mfs, err := fuse.Mount(mountpoint, fuseutil.NewFileSystemServer(fs), &fuse.MountConfig{
		FSName:   "asdf",
		ReadOnly: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %v", err)
	}
	go func() {
		<-ctx.Done()
		syscall.Unmount(mountpoint, 0)
	}()
	return mfs.Join(context.Background())
}
