package splice

import (
	"context"
	"io"
	"sync"

	"github.com/asticode/go-astits"
	"github.com/avswitch/splicer/internal/codec"
)

// StreamInfo is the discovered descriptor of one program, populated once
// PAT and PMT have both been observed. See spec.md §3.
type StreamInfo struct {
	ProgramNumber uint16
	PMTPID        uint16
	PCRPID        uint16

	VideoPID        uint16
	VideoStreamType codec.StreamType
	HasVideo        bool

	AudioPID        uint16
	AudioStreamType codec.StreamType
	HasAudio        bool

	Initialized bool
}

// StreamProbe assembles PAT/PMT from a sequence of TS packets into a
// StreamInfo. It demultiplexes PSI sections with go-astits rather than a
// hand-rolled section parser, mirroring the astits.Muxer/Demuxer usage
// pattern seen across the mediamtx-family examples in the retrieval
// pack (e.g. the internal/hls mpegts writer), applied here to the
// demuxer side. See spec.md §4.2.
type StreamProbe struct {
	cancel context.CancelFunc
	feedCh chan Packet
	done   chan struct{}

	mu   sync.RWMutex
	info StreamInfo
}

// NewStreamProbe starts the background astits demuxer loop. Feed must be
// called for every packet the SourceBuffer accepts; Info returns the
// latest snapshot.
func NewStreamProbe() *StreamProbe {
	ctx, cancel := context.WithCancel(context.Background())
	p := &StreamProbe{
		cancel: cancel,
		feedCh: make(chan Packet, 256),
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// pidReader adapts the channel-fed packet stream to an io.Reader so it
// can be handed to astits.NewDemuxer, which otherwise wants a
// continuous byte stream.
type pidReader struct {
	ctx  context.Context
	in   <-chan Packet
	rest []byte
}

func (r *pidReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case pkt, ok := <-r.in:
			if !ok {
				return 0, io.EOF
			}
			r.rest = pkt[:]
		}
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

func (p *StreamProbe) run(ctx context.Context) {
	defer close(p.done)
	dmx := astits.NewDemuxer(ctx, &pidReader{ctx: ctx, in: p.feedCh})
	for {
		data, err := dmx.NextData()
		if err != nil {
			return
		}
		switch {
		case data.PAT != nil:
			p.onPAT(data.PAT)
		case data.PMT != nil:
			p.onPMT(data.PMT)
		}
	}
}

func (p *StreamProbe) onPAT(pat *astits.PATData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prog := range pat.Programs {
		if prog.ProgramNumber == 0 {
			continue // the network PID entry, not a program
		}
		p.info.ProgramNumber = prog.ProgramNumber
		p.info.PMTPID = prog.ProgramMapID
		break
	}
}

func (p *StreamProbe) onPMT(pmt *astits.PMTData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.PCRPID = pmt.PCRPID
	for _, es := range pmt.ElementaryStreams {
		st := codec.StreamType(es.StreamType)
		switch {
		case st.IsVideo() && !p.info.HasVideo:
			p.info.VideoPID = es.ElementaryPID
			p.info.VideoStreamType = st
			p.info.HasVideo = true
		case st.IsAudio() && !p.info.HasAudio:
			p.info.AudioPID = es.ElementaryPID
			p.info.AudioStreamType = st
			p.info.HasAudio = true
		}
	}
	p.info.Initialized = p.info.HasVideo
}

// Feed hands a packet to the underlying demuxer. Callers feed every
// accepted packet; astits itself tracks which PIDs carry PSI sections.
func (p *StreamProbe) Feed(pkt Packet) {
	select {
	case p.feedCh <- pkt:
	default:
		// Demuxer loop fell behind; drop rather than block the
		// producer goroutine feeding the SourceBuffer.
	}
}

// Info returns the most recently discovered StreamInfo.
func (p *StreamProbe) Info() StreamInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Close stops the background demuxer goroutine.
func (p *StreamProbe) Close() {
	p.cancel()
	<-p.done
}
