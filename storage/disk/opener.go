/*
This file defines opener interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, opener interface is defined. Opener opens the storage of the device. The implementations are:
- fileOpener: open and return file.
- bufferOpener: open and return byte slice. this is intended to be used in test.
*/
package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/ppos/common"
)

// opener opens storage
// the caller must serialize the calls
type opener interface {
	open(common.Device) (storage, error)
	// each calls f for every opened storage
	each(f func(storage) error) error
}

// fileOpener opens file
type fileOpener struct {
	// dir is base directory of device files
	dir string
	// cache storages after open the files
	st map[common.Device]storage
}

// newFileOpener initializes fileOpener
func newFileOpener(dir string) *fileOpener {
	return &fileOpener{
		dir: dir,
		st:  make(map[common.Device]storage),
	}
}

// getDeviceFilePath returns the file path of the device under base directory
// the path is dir/dev_<device number>
func getDeviceFilePath(dir string, dev common.Device) string {
	return filepath.Join(dir, fmt.Sprintf("dev_%d", dev))
}

// open opens and returns the device file
func (fo *fileOpener) open(dev common.Device) (storage, error) {
	// when the file is already opened, just return it
	st, ok := fo.st[dev]
	if ok {
		return st, nil
	}
	fd, err := os.OpenFile(getDeviceFilePath(fo.dir, dev), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	fo.st[dev] = fileStorage{fd}
	return fileStorage{fd}, nil
}

// each calls f for every opened file
func (fo *fileOpener) each(f func(storage) error) error {
	for dev, st := range fo.st {
		if err := f(st); err != nil {
			return errors.Wrapf(err, "device %d", dev)
		}
	}
	return nil
}

// bufferOpener opens buffer
type bufferOpener struct {
	st map[common.Device]storage
}

// newBufferOpener initializes bufferOpener
func newBufferOpener() *bufferOpener {
	return &bufferOpener{
		st: make(map[common.Device]storage),
	}
}

// open returns the buffer of the device
func (bo *bufferOpener) open(dev common.Device) (storage, error) {
	buf, ok := bo.st[dev]
	if ok {
		return buf, nil
	}
	buf = newBufferStorage()
	bo.st[dev] = buf
	return buf, nil
}

// each calls f for every buffer
func (bo *bufferOpener) each(f func(storage) error) error {
	for dev, st := range bo.st {
		if err := f(st); err != nil {
			return errors.Wrapf(err, "device %d", dev)
		}
	}
	return nil
}
