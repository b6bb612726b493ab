package media

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// readRemoteAudio pulls RTP from the remote audio track for the lifetime of
// the session. Reading keeps the interceptor chain fed so NACK and receiver
// reports flow; playback is the embedder's job via OnRemoteTrack.
func (s *Session) readRemoteAudio(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	var pkts, lost uint64
	var lastSeq uint16
	lastLog := time.Now()

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("CALL [%s]: remote audio read ended: %v", s.callID, err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debugf("CALL [%s]: dropping malformed RTP packet: %v", s.callID, err)
			continue
		}
		if pkts > 0 {
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				lost += uint64(gap - 1)
			}
		}
		lastSeq = pkt.SequenceNumber
		pkts++

		if time.Since(lastLog) >= 10*time.Second {
			log.Debugf("CALL [%s]: remote audio: %d packets, %d gaps, ssrc=%d", s.callID, pkts, lost, pkt.SSRC)
			lastLog = time.Now()
		}
	}
}

// drainRTCP reads RTCP off the sender so the interceptors can process
// receiver reports. Without this the congestion/NACK interceptors stall.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		reports, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, r := range reports {
			if rr, ok := r.(*rtcp.ReceiverReport); ok {
				for _, rep := range rr.Reports {
					log.Debugf("CALL [%s]: receiver report: lost=%d jitter=%d", s.callID, rep.TotalLost, rep.Jitter)
				}
			}
		}
	}
}
