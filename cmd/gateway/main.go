// Command gateway boots the voice gateway's carrier WebSocket listener
// and wires up the ASR/LLM/TTS collaborators each call session needs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/square-key-labs/voicegw/src/asr"
	"github.com/square-key-labs/voicegw/src/audio"
	"github.com/square-key-labs/voicegw/src/config"
	"github.com/square-key-labs/voicegw/src/llm"
	"github.com/square-key-labs/voicegw/src/logger"
	"github.com/square-key-labs/voicegw/src/session"
	"github.com/square-key-labs/voicegw/src/transports"
	"github.com/square-key-labs/voicegw/src/tts"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("gateway")

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using process environment")
	}

	cfg, err := config.NewLoader().Load()
	if err != nil {
		log.Fatal("invalid configuration: %v", err)
	}

	ttsStreamer := tts.New(tts.Config{
		BaseURL:       cfg.TTSBaseURL,
		APIKey:        cfg.TTSAPIKey,
		VoiceID:       cfg.TTSVoiceID,
		VoiceSettings: tts.DefaultVoiceSettings(),
		TailSilenceMS: cfg.TTSTailSilenceMS,
		ChunkChars:    chunkCharsOrZero(cfg),
	})

	var openingAudio *audio.OpeningCache
	if cfg.CacheOpeningAudio && cfg.OpeningScript != "" {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 15*time.Second)
		mulaw, err := ttsStreamer.Synthesize(warmCtx, cfg.OpeningScript)
		warmCancel()
		if err != nil {
			log.Warn("opening-audio warm-up failed, falling back to live synthesis per call: %v", err)
		} else {
			openingAudio = audio.NewOpeningCache(cfg.OpeningScript, mulaw)
			log.Info("opening audio warmed and cached (%d bytes)", len(mulaw))
		}
	}

	deps := session.Deps{
		Config: cfg,
		ASRCfg: asr.Config{
			URL:                cfg.ASRURL,
			APIKey:             cfg.ASRAPIKey,
			VADThreshold:       cfg.VADThreshold,
			VADSilenceMS:       cfg.VADSilenceMS,
			VADPrefixMS:        cfg.VADPrefixMS,
			SystemInstructions: cfg.SystemInstructions,
		},
		LLMChain: llm.NewChain(
			"I'm sorry, I didn't quite catch that. Could you repeat it?",
			llm.NewHTTPStrategy("primary", cfg.LLMPrimary, cfg.LLMAPIKey),
			llm.NewHTTPStrategy("general", cfg.LLMGeneral, cfg.LLMAPIKey),
		),
		TTS:          ttsStreamer,
		OpeningAudio: openingAudio,
		// Delivery is left nil: the CRM webhook transport (retries, HMAC
		// signing) is an external collaborator out of scope for this
		// gateway — finalize.Finalize skips delivery when nil.
		Delivery: nil,
	}

	listener := transports.NewListener(cfg.Port, "/media", session.NewHandlerFactory(deps))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Start(ctx); err != nil {
		log.Fatal("failed to start carrier listener: %v", err)
	}
	log.Info("listening for carrier connections on port %d", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := listener.Stop(); err != nil {
		log.Warn("listener shutdown error: %v", err)
	}
}

func chunkCharsOrZero(cfg *config.Config) int {
	if !cfg.ReplyChunking {
		return 0
	}
	return cfg.ReplyChunkChars
}
