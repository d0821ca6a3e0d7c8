package common

// Device is device number
// in xv6, device 1 is the root disk (ROOTDEV). device numbers are assigned statically.
type Device uint32

// BlockNo is block number within a device
// block 0 is boot block and block 1 is super block in xv6 file system,
// but the block cache doesn't care about the layout.
type BlockNo uint32

// CPUID identifies one core (hart)
// go runtime does not expose which core the goroutine is running on,
// so the caller has to tell which core it is running as.
type CPUID int
