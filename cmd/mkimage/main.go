// Command mkimage builds an ext2 disk image on the host. It drives
// the same internal/ufs ext2 implementation the kernel mounts at boot,
// so an image built here and one built in-kernel are byte-identical.
//
// Flags mirror a conventional disk-image builder: -size sets the image
// capacity, -out the output path, and -populate lets a caller seed the
// image with a directory tree of files before closing it.
//
// The mmap-backed block device lives in device_linux.go, gated behind
// a linux build tag the same way other_examples/'s uffd snapshot loader
// gates its own unix.Mmap use.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/ufs"
)

func main() {
	var (
		sizeBytes int64
		outPath   string
		populate  string
	)

	root := &cobra.Command{
		Use:   "mkimage",
		Short: "Build an ext2 disk image for SlopOS",
		Long: `mkimage formats a fresh ext2 rev-1 filesystem into a host file of the
given size, optionally seeding it from a host directory tree, the same
internal/ufs codepath internal/proc's Kernel mounts at boot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(sizeBytes, outPath, populate)
		},
	}

	root.Flags().Int64VarP(&sizeBytes, "size", "s", 4<<20, "image size in bytes")
	root.Flags().StringVarP(&outPath, "out", "o", "slopos.img", "output image path")
	root.Flags().StringVarP(&populate, "populate", "p", "", "host directory to copy into the image's root, recursively")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mkimage:", err)
		os.Exit(1)
	}
}

func run(sizeBytes int64, outPath, populate string) error {
	dev, err := openMmapDevice(outPath, sizeBytes)
	if err != nil {
		return err
	}
	defer dev.Close()

	fsys, ferr := ufs.Mkfs(dev, sizeBytes)
	if ferr != 0 {
		return fmt.Errorf("mkfs: errno %d", ferr)
	}
	fmt.Printf("formatted %s: %d bytes, root inode %d\n", outPath, sizeBytes, fsys.RootInode())

	if populate == "" {
		return nil
	}
	n, err := populateTree(fsys, populate)
	if err != nil {
		return fmt.Errorf("populate %s: %w", populate, err)
	}
	fmt.Printf("copied %d file(s) from %s\n", n, populate)
	return nil
}

// populateTree walks host directory root and recreates every regular
// file and subdirectory inside fsys starting at its root inode.
func populateTree(fsys *ufs.Filesystem, root string) (int, error) {
	count := 0
	return count, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		dirIno, name, err := resolveParent(fsys, rel)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, ferr := fsys.CreateDirectory(dirIno, name); ferr != 0 && ferr != -defs.EEXIST {
				return fmt.Errorf("mkdir %s: errno %d", rel, ferr)
			}
			return nil
		}
		ino, ferr := fsys.CreateFile(dirIno, name)
		if ferr != 0 {
			return fmt.Errorf("create %s: errno %d", rel, ferr)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, ferr := fsys.WriteFile(ino, 0, data); ferr != 0 {
			return fmt.Errorf("write %s: errno %d", rel, ferr)
		}
		count++
		return nil
	})
}

// resolveParent walks rel's directory components (already created by an
// earlier WalkDir visit, since filepath.WalkDir visits parents before
// children) to find the inode that should hold rel's final component.
func resolveParent(fsys *ufs.Filesystem, rel string) (dirIno uint32, name string, err error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	dirIno = fsys.RootInode()
	for _, p := range parts[:len(parts)-1] {
		ino, ferr := fsys.Lookup(dirIno, p)
		if ferr != 0 {
			return 0, "", fmt.Errorf("lookup %s: errno %d", p, ferr)
		}
		dirIno = ino
	}
	return dirIno, parts[len(parts)-1], nil
}
