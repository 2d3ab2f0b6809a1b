package dcserver

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/logex"
	"github.com/prometheus/client_golang/prometheus"
)

// where the mover reports back to. implemented by *copyjob.Orchestrator
type completionSink interface {
	HandleChunkCompleted(completion copysm.ChunkCompletion, now time.Time)
	HandleRebuildCompleted(completion copysm.RebuildCompletion, now time.Time)
}

// moves data between drives that are block devices or image files. requests run in their
// own goroutines (at most "parallelism" at a time) and completions are posted back to the
// scheduler, so the engine never waits on I/O
type fileMover struct {
	devicePaths map[dctypes.DriveID]string
	blockSize   int64
	slots       chan struct{}
	post        func(fn func(now time.Time))
	sink        completionSink
	copiedBytes prometheus.Counter
	logl        *logex.Leveled
}

func newFileMover(
	devicePaths map[string]string,
	blockSize int,
	parallelism int,
	copiedBytes prometheus.Counter,
	logger *log.Logger,
) *fileMover {
	paths := map[dctypes.DriveID]string{}
	for drive, path := range devicePaths {
		paths[dctypes.DriveID(drive)] = path
	}

	return &fileMover{
		devicePaths: paths,
		blockSize:   int64(blockSize),
		slots:       make(chan struct{}, parallelism),
		copiedBytes: copiedBytes,
		logl:        logex.Levels(logger),
	}
}

// must be called before the engine issues its first request
func (f *fileMover) attach(post func(fn func(now time.Time)), sink completionSink) {
	f.post = post
	f.sink = sink
}

func (f *fileMover) CopyChunk(req copysm.ChunkRequest) {
	go func() {
		f.slots <- struct{}{}
		failedDrive, err := f.copyChunk(req)
		<-f.slots

		if err != nil {
			f.logl.Error.Printf("chunk %s %d+%d: %v", req.VirtualDrive, req.Start, req.Count, err)
		}

		completion := copysm.ChunkCompletion{
			VirtualDrive: req.VirtualDrive,
			Token:        req.Token,
			Err:          err,
			FailedDrive:  failedDrive,
		}

		f.post(func(now time.Time) {
			f.sink.HandleChunkCompleted(completion, now)
		})
	}()
}

// parity reconstruction belongs to the raid layer. here we only make sure the drive being
// rebuilt is reachable before the region is counted as rebuilt
func (f *fileMover) RebuildRegion(req copysm.RebuildRequest) {
	go func() {
		f.slots <- struct{}{}
		err := f.checkDrive(req.Drive)
		<-f.slots

		completion := copysm.RebuildCompletion{
			Map:      req.Map,
			Position: req.Position,
			Region:   req.Region,
			Drive:    req.Drive,
			Err:      err,
		}

		f.post(func(now time.Time) {
			f.sink.HandleRebuildCompleted(completion, now)
		})
	}()
}

// returns the drive that failed along with the error
func (f *fileMover) copyChunk(req copysm.ChunkRequest) (dctypes.DriveID, error) {
	from, err := f.open(req.From, os.O_RDONLY)
	if err != nil {
		return req.From, err
	}
	defer from.Close()

	to, err := f.open(req.To, os.O_WRONLY)
	if err != nil {
		return req.To, err
	}
	defer to.Close()

	offset := int64(req.Start) * f.blockSize
	remaining := int64(req.Count) * f.blockSize

	buf := make([]byte, 1024*1024)

	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, err := from.ReadAt(chunk, offset)
		if err != nil && !(err == io.EOF && n == len(chunk)) {
			return req.From, fmt.Errorf("read %s @ %d: %w", req.From, offset, err)
		}

		if _, err := to.WriteAt(chunk, offset); err != nil {
			return req.To, fmt.Errorf("write %s @ %d: %w", req.To, offset, err)
		}

		offset += int64(len(chunk))
		remaining -= int64(len(chunk))
	}

	// the checkpoint is advanced once we report back, so the data must be durable by then
	if err := to.Sync(); err != nil {
		return req.To, fmt.Errorf("sync %s: %w", req.To, err)
	}

	if f.copiedBytes != nil {
		f.copiedBytes.Add(float64(int64(req.Count) * f.blockSize))
	}

	return "", nil
}

func (f *fileMover) checkDrive(drive dctypes.DriveID) error {
	file, err := f.open(drive, os.O_RDWR)
	if err != nil {
		return err
	}

	return file.Close()
}

func (f *fileMover) open(drive dctypes.DriveID, flag int) (*os.File, error) {
	path, found := f.devicePaths[drive]
	if !found {
		return nil, fmt.Errorf("no device path for drive %s", drive)
	}

	return os.OpenFile(path, flag, 0)
}
