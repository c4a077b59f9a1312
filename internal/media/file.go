package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/p2pcall/internal/util"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// FileCapturer plays an IVF (VP8) file as the camera and an Ogg/Opus file as
// the microphone. Both loop until the handle is stopped.
type FileCapturer struct {
	VideoPath string
	AudioPath string
}

// Acquire opens the requested sources and starts pacing their samples.
func (f *FileCapturer) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	if f.VideoPath == "" && f.AudioPath == "" {
		return nil, ErrUnsupportedContext
	}

	var (
		sources []source
		tracks  []webrtc.TrackLocal
	)
	fail := func(err error) (*Handle, error) {
		for _, s := range sources {
			s.file.Close()
		}
		return nil, err
	}

	if c.Video {
		if f.VideoPath == "" {
			return fail(fmt.Errorf("%w: no video source configured", ErrDeviceNotFound))
		}
		s, err := openIVF(f.VideoPath)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
	}
	if c.Audio {
		if f.AudioPath == "" {
			return fail(fmt.Errorf("%w: no audio source configured", ErrDeviceNotFound))
		}
		s, err := openOgg(f.AudioPath)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, s)
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRequestAborted, err))
	}

	for _, s := range sources {
		tracks = append(tracks, s.track)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range sources {
		wg.Add(1)
		go func(s source) {
			defer wg.Done()
			defer s.file.Close()
			if err := s.pump(pumpCtx, s); err != nil {
				util.LogWarning("media source %s stopped: %v", s.file.Name(), err)
			}
		}(s)
	}

	return NewHandle(tracks, func() {
		cancel()
		wg.Wait()
	}), nil
}

type source struct {
	file  *os.File
	track *webrtc.TrackLocalStaticSample
	pump  func(ctx context.Context, s source) error
}

func openSource(path string) (*os.File, error) {
	file, err := os.Open(path)
	switch {
	case err == nil:
		return file, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return nil, err
	}
}

func openIVF(path string) (source, error) {
	file, err := openSource(path)
	if err != nil {
		return source{}, err
	}
	_, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return source{}, fmt.Errorf("%w: %s is not an IVF file: %v", ErrDeviceNotFound, path, err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return source{}, fmt.Errorf("%w: %s carries %q, want VP80", ErrDeviceNotFound, path, header.FourCC)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "p2pcall")
	if err != nil {
		file.Close()
		return source{}, err
	}
	return source{file: file, track: track, pump: pumpIVF}, nil
}

func openOgg(path string) (source, error) {
	file, err := openSource(path)
	if err != nil {
		return source{}, err
	}
	if _, _, err := oggreader.NewWith(file); err != nil {
		file.Close()
		return source{}, fmt.Errorf("%w: %s is not an Ogg file: %v", ErrDeviceNotFound, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "p2pcall")
	if err != nil {
		file.Close()
		return source{}, err
	}
	return source{file: file, track: track, pump: pumpOgg}, nil
}

// rewind restarts f from its first byte.
func rewind(f *os.File) error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

func pumpIVF(ctx context.Context, s source) error {
	if err := rewind(s.file); err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(s.file)
	if err != nil {
		return err
	}

	interval := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		interval = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if err := rewind(s.file); err != nil {
				return err
			}
			if reader, _, err = ivfreader.NewWith(s.file); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}

func pumpOgg(ctx context.Context, s source) error {
	if err := rewind(s.file); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if err := rewind(s.file); err != nil {
				return err
			}
			if reader, _, err = oggreader.NewWith(s.file); err != nil {
				return err
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			return err
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusClockRate

		if err := s.track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
