package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apoorvam/goterminal"
	erpc "github.com/glycerine/erpcgo"
)

const kEchoReqType uint8 = 1

func main() {
	erpc.Exit1IfVersionReq()
	fmt.Printf("%v", erpc.GetCodeVersion("erpcdemo"))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var listen = flag.String("l", "127.0.0.1:18888", "address to listen on")
	var mode = flag.String("mode", "server", "\"server\" or \"client\"")
	var remote = flag.String("remote", "erpc://127.0.0.1:18888/0", "server routing URI (client mode only)")
	var rpcid = flag.Int("id", 0, "this endpoint's RPCID")
	var credits = flag.Int("k", 8, "session credits (must be a power of two)")
	var nbg = flag.Int("bg", 0, "number of background worker goroutines")
	var size = flag.Int("size", 64, "client mode: request payload size in bytes")
	var count = flag.Int("n", 1000, "client mode: number of pings to send")
	var pacing = flag.Bool("pacing", true, "enable timing-wheel pacing")
	var verbose = flag.Bool("v", false, "verbose debug output")
	flag.Parse()

	cfg := erpc.NewConfig()
	cfg.ListenAddr = *listen
	cfg.RPCID = *rpcid
	cfg.SessionCredits = *credits
	cfg.NumBackgroundWorkers = *nbg
	cfg.PacingEnabled = *pacing
	cfg.Verbose = *verbose

	ep, err := erpc.NewEndpoint(cfg)
	panicOn(err)
	defer ep.Close()

	noticeControlC(ep)

	switch *mode {
	case "server":
		runServer(ep, *listen)
	case "client":
		runClient(ep, *remote, *size, *count)
	default:
		fmt.Fprintf(os.Stderr, "erpcdemo: unknown -mode %q, want \"server\" or \"client\"\n", *mode)
		os.Exit(1)
	}
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// runServer registers a pure-echo handler for kEchoReqType and drives
// the dispatcher forever (SPEC_FULL.md section 8's round-trip law
// exercised live rather than by a simTransport test).
func runServer(ep *erpc.Endpoint, listenAddr string) {
	ep.RegisterHandler(kEchoReqType, func(req *erpc.ReqHandle) {
		resp := ep.AllocMsgBuffer(req.ReqBuf.DataSize)
		if !resp.Valid() {
			return
		}
		for i := 0; i < resp.NumPkts; i++ {
			copy(resp.Payload(i), req.ReqBuf.Payload(i))
		}
		req.RespBuf = resp
		ep.EnqueueResponse(req)
	})

	fmt.Printf("erpcdemo: echo server listening on %s\n", listenAddr)
	for {
		ep.RunEventLoop(100 * time.Millisecond)
	}
}

// runClient connects to remote, fires off count echo RPCs of size
// bytes each, and prints a live RTT/throughput line via goterminal
// when attached to a tty (section 6 expansion).
func runClient(ep *erpc.Endpoint, remote string, size, count int) {
	sessionNum, err := ep.CreateSession(remote, 0)
	panicOn(err)

	connected := make(chan struct{})
	ep.OnConnected = func(sn int) {
		if sn == sessionNum {
			close(connected)
		}
	}
	ep.OnConnectFailed = func(sn int, err error) {
		if sn == sessionNum {
			fmt.Fprintf(os.Stderr, "erpcdemo: connect failed: %v\n", err)
			os.Exit(1)
		}
	}

	waitDeadline := time.Now().Add(5 * time.Second)
	for {
		ep.RunEventLoopOnce()
		select {
		case <-connected:
			goto connectedOK
		default:
		}
		if time.Now().After(waitDeadline) {
			fmt.Fprintln(os.Stderr, "erpcdemo: timed out waiting to connect")
			os.Exit(1)
		}
	}

connectedOK:
	goTerm := goterminal.New(os.Stdout)
	sent := 0
	done := 0
	t0 := time.Now()

	for sent < count {
		reqBuf := ep.AllocMsgBuffer(size)
		if !reqBuf.Valid() {
			ep.RunEventLoopOnce()
			continue
		}
		respBuf := ep.AllocMsgBuffer(size)
		start := time.Now()
		sent++
		if err := ep.EnqueueRequest(sessionNum, kEchoReqType, reqBuf, respBuf, func(resp *erpc.RespHandle, tag any, err error) {
			done++
			rtt := time.Since(start)
			ep.ReleaseResponse(resp)
			if done%100 == 0 || done == count {
				goTerm.Clear()
				goTerm.Write([]byte(fmt.Sprintf("sent=%d done=%d last_rtt=%v elapsed=%v", sent, done, rtt, time.Since(t0))))
				goTerm.Print()
			}
		}, nil, 0); err != nil {
			fmt.Fprintf(os.Stderr, "erpcdemo: enqueue request failed: %v\n", err)
			os.Exit(1)
		}
		ep.RunEventLoopOnce()
	}

	for done < count {
		ep.RunEventLoopOnce()
	}
	fmt.Printf("\nerpcdemo: %d RPCs in %v, %d retransmits\n", count, time.Since(t0), ep.GetNumReTx(sessionNum))
}

func noticeControlC(ep *erpc.Endpoint) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	go func() {
		<-sigChan
		ep.Close()
		os.Exit(0)
	}()
}
