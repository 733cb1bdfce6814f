package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/gwuhaolin/livesync/av"
	"github.com/gwuhaolin/livesync/configure"
	"github.com/gwuhaolin/livesync/playsync"
	"github.com/gwuhaolin/livesync/protocol/api"
	"github.com/gwuhaolin/livesync/protocol/hls"

	log "github.com/sirupsen/logrus"
)

var VERSION = "master"

func startHls(cfg configure.ServerCfg) *hls.Server {
	// hls 서버 주소로 tcp 리스너 생성
	hlsListen, err := net.Listen("tcp", cfg.HLSAddr)
	if err != nil {
		log.Fatal(err)
	}

	hlsServer := hls.NewServer(cfg.HLSDir)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("HLS server panic: ", r)
			}
		}()
		log.Infof("HLS listen On %s, serving %s", cfg.HLSAddr, hlsServer.Root())
		hlsServer.Serve(hlsListen)
	}()
	return hlsServer
}

func startAPI(cfg configure.ServerCfg, ctrl *playsync.Controller, store *configure.SelectionStore) {
	if cfg.APIAddr == "" {
		return
	}
	opListen, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		log.Fatal(err)
	}
	opServer := api.NewServer(ctrl, store, cfg.Session, cfg.JWT)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("HTTP-API server panic: ", r)
			}
		}()
		log.Info("HTTP-API listen On ", cfg.APIAddr)
		opServer.Serve(opListen)
	}()
}

// 스트림 세트의 각 항목마다 헤드리스 플레이어를 만들고 로딩을 시작한다.
// 재생은 첫 세그먼트가 버퍼링되면 스스로 시작된다.
func startPlayers(cfg configure.ServerCfg, infos []av.Info) []av.StreamHandle {
	handles := make([]av.StreamHandle, 0, len(infos))
	for _, info := range infos {
		p := hls.NewPlayer(info, cfg.PlayerOptions())
		p.Start()
		handles = append(handles, p)
		log.Infof("player %s: %s", info.Name, info.URL)
	}
	return handles
}

// 텍스트 포매터를 설정한다. 호출 함수 이름과 파일 이름, 라인 번호를 함께 출력한다.
func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

func main() {
	// 실행 중 패닉이 발생하면 원인을 기록하고 1초간 대기한다.
	defer func() {
		if r := recover(); r != nil {
			log.Error("livesync panic: ", r)
			time.Sleep(1 * time.Second)
		}
	}()

	log.Infof(`
     _     _            ____
    | |   (_)_   _____ / ___| _   _ _ __   ___
    | |   | \ \ / / _ \\___ \| | | | '_ \ / __|
    | |___| |\ V /  __/ ___) | |_| | | | | (__
    |_____|_| \_/ \___||____/ \__, |_| |_|\___|
                              |___/
        version: %s
	`, VERSION)

	if err := configure.Load(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	cfg, err := configure.Settings()
	if err != nil {
		log.Fatal(err)
	}
	infos, err := cfg.Streams()
	if err != nil {
		log.Fatal(err)
	}

	store, err := configure.NewSelectionStore(cfg.RedisAddr, cfg.RedisPwd)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if store.Shared() {
		log.Infof("selection of session %s shared through redis", cfg.Session)
	}

	var hlsServer *hls.Server
	if cfg.HLSEnable {
		hlsServer = startHls(cfg)
	} else {
		log.Info("HLS server disable....")
	}

	handles := startPlayers(cfg, infos)

	// 마지막으로 선택된 마스터와 동기화 상태를 복원한다. 저장된 값이 없으면 설정값을 쓴다.
	sel := store.Restore(cfg.Session, len(handles), configure.Selection{MasterIndex: 0, Enabled: cfg.Sync.Enabled})
	ctrl, err := playsync.NewController(handles, cfg.SyncConfig(sel.MasterIndex, sel.Enabled))
	if err != nil {
		log.Fatal(err)
	}
	ctrl.Start()

	startAPI(cfg, ctrl, store)

	// 종료 시그널을 기다린다. 세션을 먼저 멈춰 재생 속도를 되돌린 뒤 플레이어를 닫는다.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Infof("received %v, shutting down", <-sig)

	ctrl.Stop()
	for _, h := range handles {
		if c, ok := h.(av.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warningf("close %s: %v", h.Info().Name, err)
			}
		}
	}
	if hlsServer != nil {
		hlsServer.Close()
	}
}
