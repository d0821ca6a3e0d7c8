package buffer

import "github.com/HayatoShiba/ppos/common"

// tag is buffer tag
// buffer tag must be sufficient to locate where the block is on disk
type tag struct {
	// device number
	dev common.Device
	// block number
	blockno common.BlockNo
	// if valid is false, this descriptor hasn't been used so tag is invalid
	valid bool
}

// newTag initializes buffer tag
func newTag(dev common.Device, blockno common.BlockNo) tag {
	return tag{
		dev:     dev,
		blockno: blockno,
		valid:   true,
	}
}

// matches checks whether the tag identifies the block
func (t tag) matches(dev common.Device, blockno common.BlockNo) bool {
	return t.valid && t.dev == dev && t.blockno == blockno
}
