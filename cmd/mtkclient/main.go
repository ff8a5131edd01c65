// Command mtkclient drives the BROM/Preloader/DA state machine in
// session against a single attached MediaTek device.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/satyamisme/mtkclient/chipconfig"
	"github.com/satyamisme/mtkclient/dalegacy"
	"github.com/satyamisme/mtkclient/exploit"
	"github.com/satyamisme/mtkclient/logx"
	"github.com/satyamisme/mtkclient/progress"
	"github.com/satyamisme/mtkclient/session"
	"github.com/satyamisme/mtkclient/storage"
)

const usage = `mtkclient <verb> [flags]

verbs:
  dumpbrom <out>           run Kamakiri and dump BROM to <out>
  crash                    run Kamakiri with --payload and stop
  gettargetconfig          print whether SLA/DAA require the exploit
  payload <file>           run Kamakiri with a custom BROM payload
  stage <stage1> <stage2>  upload and boot a Download Agent
  plstage <file>           upload a Preloader-stage payload and jump to it
  brute                    sweep var1 0x00-0xff against Kamakiri
  peek <addr> <n>          read <n> bytes of BROM/PL memory
  printgpt                 print the partition table
  gpt <out>                write the raw GPT/PMT block to <out>
  r <partition> <out>      read a partition to <out>
  rl <addr> <len> <out>    read <len> bytes at <addr> to <out>
  rf <out>                 read the whole user area to <out>
  rs <out>                 read the RPMB partition to <out>
  w <partition> <in>       write <in> to a partition
  e <partition>            erase (format) a partition
  footer <out>             read the last 128 KiB of userdata to <out>
  reset                    close the session, releasing the device

common flags:
`

// commonFlags are accepted by every verb; not every verb uses every field.
type commonFlags struct {
	vid, pid               uint
	wdt, var1              uint
	daAddr, bromAddr, uart uint
	pageSize               uint
	partType               string
	logLevel               string
	sigLen                 uint
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.UintVar(&c.vid, "vid", 0, "override USB vendor ID (default 0x0e8d)")
	fs.UintVar(&c.pid, "pid", 0, "override USB product ID (default 0x0003)")
	fs.UintVar(&c.wdt, "wdt", 0, "override chipconfig watchdog_addr")
	fs.UintVar(&c.var1, "var1", 0, "override chipconfig var1 (Kamakiri wIndex)")
	fs.UintVar(&c.daAddr, "da_addr", 0, "override chipconfig da_payload_addr")
	fs.UintVar(&c.bromAddr, "brom_addr", 0, "override chipconfig brom_payload_addr")
	fs.UintVar(&c.uart, "uartaddr", 0, "override chipconfig uart_addr")
	fs.UintVar(&c.pageSize, "pagesize", 512, "flash page/sector size for GPT/PMT parsing")
	fs.StringVar(&c.partType, "storage", "emmc", "storage medium: emmc, sdmmc, nand, nor, ufs")
	fs.StringVar(&c.logLevel, "loglevel", "info", "trace, debug, info, warn, error")
	fs.UintVar(&c.sigLen, "siglen", 0, "DA signature length appended after stage1")
	return c
}

func (c *commonFlags) applyOverrides(cfg chipconfig.Entry) chipconfig.Entry {
	if c.wdt != 0 {
		cfg.WatchdogAddr = uint32(c.wdt)
	}
	if c.var1 != 0 {
		cfg.Var1 = byte(c.var1)
	}
	if c.daAddr != 0 {
		cfg.DAPayloadAddr = uint32(c.daAddr)
	}
	if c.bromAddr != 0 {
		cfg.BROMPayloadAddr = uint32(c.bromAddr)
	}
	if c.uart != 0 {
		cfg.UARTAddr = uint32(c.uart)
	}
	return cfg
}

func (c *commonFlags) storageCode() byte {
	switch c.partType {
	case "sdmmc":
		return byte(dalegacy.StorageSDMMC)
	case "nand":
		return byte(dalegacy.StorageNAND)
	case "nor":
		return byte(dalegacy.StorageNOR)
	case "ufs":
		return byte(dalegacy.StorageUFS)
	default:
		return byte(dalegacy.StorageEMMC)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	verb := os.Args[1]
	args := os.Args[2:]

	var err error
	switch verb {
	case "dumpbrom":
		err = runDumpBROM(args)
	case "crash":
		err = runCrash(args)
	case "gettargetconfig":
		err = runGetTargetConfig(args)
	case "payload":
		err = runPayload(args)
	case "stage":
		err = runStage(args)
	case "plstage":
		err = runPLStage(args)
	case "brute":
		err = runBrute(args)
	case "peek":
		err = runPeek(args)
	case "printgpt":
		err = runPrintGPT(args)
	case "gpt":
		err = runReadGPTRaw(args)
	case "r":
		err = runReadPartition(args)
	case "rl":
		err = runReadRaw(args)
	case "rf":
		err = runReadFull(args)
	case "rs":
		err = runReadRPMB(args)
	case "w":
		err = runWritePartition(args)
	case "e":
		err = runErase(args)
	case "footer":
		err = runFooter(args)
	case "reset":
		err = runReset(args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "mtkclient: unknown verb %q\n\n%s", verb, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mtkclient: %s: %v\n", verb, err)
		os.Exit(1)
	}
}

func openSession(c *commonFlags) (*session.Session, logx.Logger, error) {
	log := logx.New("mtkclient", c.logLevel)
	s, err := session.Open(session.Options{
		VID: uint16(c.vid),
		PID: uint16(c.pid),
		Log: log,
	})
	return s, log, err
}

func identify(s *session.Session, c *commonFlags) (chipconfig.Entry, error) {
	cfg, err := s.IdentifyChip()
	if err != nil {
		return chipconfig.Entry{}, err
	}
	return c.applyOverrides(cfg), nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func runDumpBROM(args []string) error {
	fs := flag.NewFlagSet("dumpbrom", flag.ExitOnError)
	c := bindCommon(fs)
	payloadPath := fs.String("payload", "", "BROM payload file (required)")
	length := fs.Uint("length", 0x10000, "bytes to dump")
	fs.Parse(args)
	if fs.NArg() < 1 || *payloadPath == "" {
		return fmt.Errorf("usage: mtkclient dumpbrom <out> --payload <file>")
	}
	out := fs.Arg(0)

	s, log, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg, err := identify(s, c)
	if err != nil {
		return err
	}

	payload, err := readFile(*payloadPath)
	if err != nil {
		return err
	}

	if err := s.RunExploit(payload, cfg.Var1); err != nil {
		return err
	}

	log.Infof("exploit succeeded, dumping BROM")
	n := int(*length)
	reporter := progress.NewLogReporter(log, "dumpbrom")
	reporter.Start(n)
	data, err := s.DumpBROM(n, reporter.Advance)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

func runCrash(args []string) error {
	fs := flag.NewFlagSet("crash", flag.ExitOnError)
	c := bindCommon(fs)
	payloadPath := fs.String("payload", "", "BROM payload file (required)")
	fs.Parse(args)
	if *payloadPath == "" {
		return fmt.Errorf("usage: mtkclient crash --payload <file>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg, err := identify(s, c)
	if err != nil {
		return err
	}
	payload, err := readFile(*payloadPath)
	if err != nil {
		return err
	}
	return s.RunExploit(payload, cfg.Var1)
}

func runGetTargetConfig(args []string) error {
	fs := flag.NewFlagSet("gettargetconfig", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	needsExploit, err := s.NeedsExploit()
	if err != nil {
		return err
	}
	fmt.Printf("needs_exploit=%v\n", needsExploit)
	return nil
}

func runPayload(args []string) error {
	fs := flag.NewFlagSet("payload", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient payload <file>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg, err := identify(s, c)
	if err != nil {
		return err
	}
	payload, err := readFile(fs.Arg(0))
	if err != nil {
		return err
	}
	return s.RunExploit(payload, cfg.Var1)
}

func runStage(args []string) error {
	fs := flag.NewFlagSet("stage", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: mtkclient stage <stage1> <stage2>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}

	stage1, err := readFile(fs.Arg(0))
	if err != nil {
		return err
	}
	stage2, err := readFile(fs.Arg(1))
	if err != nil {
		return err
	}

	return s.BootDA(context.Background(), stage1, stage2, uint32(c.sigLen), c.storageCode())
}

func runPLStage(args []string) error {
	fs := flag.NewFlagSet("plstage", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient plstage <file>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}
	payload, err := readFile(fs.Arg(0))
	if err != nil {
		return err
	}
	// A PL-stage payload is booted the same way a DA stage1 is: uploaded
	// via SEND_DA and jumped to directly, with no stage2 side channel.
	return s.BootDA(context.Background(), payload, nil, 0, c.storageCode())
}

func runBrute(args []string) error {
	fs := flag.NewFlagSet("brute", flag.ExitOnError)
	c := bindCommon(fs)
	payloadPath := fs.String("payload", "", "BROM payload file (required)")
	fs.Parse(args)
	if *payloadPath == "" {
		return fmt.Errorf("usage: mtkclient brute --payload <file>")
	}
	payload, err := readFile(*payloadPath)
	if err != nil {
		return err
	}

	s, log, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), exploit.DefaultBruteforceTimeout)
	defer cancel()

	v, ok, err := exploit.Bruteforce(ctx, func(v1 byte) (bool, error) {
		err := s.RunExploit(payload, v1)
		if err != nil {
			log.Debugf("var1=0x%02x failed: %v", v1, err)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("exhausted var1 sweep without success")
	}
	fmt.Printf("var1=0x%02x\n", v)
	return nil
}

func runPeek(args []string) error {
	fs := flag.NewFlagSet("peek", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: mtkclient peek <addr> <n>")
	}
	addr, err := parseUint(fs.Arg(0))
	if err != nil {
		return err
	}
	n, err := parseUint(fs.Arg(1))
	if err != nil {
		return err
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.ReadRaw(context.Background(), addr, n)
	if err != nil {
		return err
	}
	fmt.Println(hex.Dump(data))
	return nil
}

func runPrintGPT(args []string) error {
	fs := flag.NewFlagSet("printgpt", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-20s start=0x%x end=0x%x type=%s\n", e.Name, e.StartLBA, e.EndLBA, e.TypeGUID)
	}
	return nil
}

func runReadGPTRaw(args []string) error {
	fs := flag.NewFlagSet("gpt", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient gpt <out>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	// GPT header + entry table both live within the first 34 pages on a
	// standard layout; over-read generously and write the raw bytes out
	// unparsed.
	data, err := s.ReadRaw(context.Background(), 0, uint64(c.pageSize)*64)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(0), data, 0644)
}

func runReadPartition(args []string) error {
	fs := flag.NewFlagSet("r", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: mtkclient r <partition> <out>")
	}
	name, outPath := fs.Arg(0), fs.Arg(1)

	s, log, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}

	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	entry, _, ok := storage.DetectPartition(entries, name)
	if !ok {
		return fmt.Errorf("partition %q not found", name)
	}

	addr := entry.StartLBA * uint64(c.pageSize)
	length := (entry.EndLBA - entry.StartLBA + 1) * uint64(c.pageSize)

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reporter := progress.NewLogReporter(log, name)
	reporter.Start(int(length))

	data, err := s.ReadRaw(context.Background(), addr, length)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	reporter.Advance(len(data))
	return nil
}

func runReadRaw(args []string) error {
	fs := flag.NewFlagSet("rl", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 3 {
		return fmt.Errorf("usage: mtkclient rl <addr> <len> <out>")
	}
	addr, err := parseUint(fs.Arg(0))
	if err != nil {
		return err
	}
	length, err := parseUint(fs.Arg(1))
	if err != nil {
		return err
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.ReadRaw(context.Background(), addr, length)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(2), data, 0644)
}

func runReadFull(args []string) error {
	fs := flag.NewFlagSet("rf", flag.ExitOnError)
	c := bindCommon(fs)
	length := fs.Uint64("length", 0, "total bytes to read (required)")
	fs.Parse(args)
	if fs.NArg() < 1 || *length == 0 {
		return fmt.Errorf("usage: mtkclient rf <out> --length <n>")
	}

	s, log, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	reporter := progress.NewLogReporter(log, "rf")
	reporter.Start(int(*length))

	data, err := s.ReadRaw(context.Background(), 0, *length)
	if err != nil {
		return err
	}
	reporter.Advance(len(data))
	return os.WriteFile(fs.Arg(0), data, 0644)
}

func runReadRPMB(args []string) error {
	fs := flag.NewFlagSet("rs", flag.ExitOnError)
	c := bindCommon(fs)
	length := fs.Uint64("length", 0x20000, "bytes to read from the RPMB partition")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient rs <out>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}

	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	entry, _, ok := storage.DetectPartition(entries, "rpmb")
	addr := uint64(0)
	if ok {
		addr = entry.StartLBA * uint64(c.pageSize)
	}

	data, err := s.ReadRaw(context.Background(), addr, *length)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(0), data, 0644)
}

func runWritePartition(args []string) error {
	fs := flag.NewFlagSet("w", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: mtkclient w <partition> <in>")
	}
	name, inPath := fs.Arg(0), fs.Arg(1)

	data, err := readFile(inPath)
	if err != nil {
		return err
	}

	s, log, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}

	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	entry, _, ok := storage.DetectPartition(entries, name)
	if !ok {
		return fmt.Errorf("partition %q not found", name)
	}
	addr := entry.StartLBA * uint64(c.pageSize)

	reporter := progress.NewLogReporter(log, name)
	reporter.Start(len(data))

	if err := s.WriteRaw(context.Background(), addr, data); err != nil {
		return err
	}
	reporter.Advance(len(data))
	return nil
}

func runErase(args []string) error {
	fs := flag.NewFlagSet("e", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient e <partition>")
	}

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}
	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	entry, _, ok := storage.DetectPartition(entries, fs.Arg(0))
	if !ok {
		return fmt.Errorf("partition %q not found", fs.Arg(0))
	}
	addr := entry.StartLBA * uint64(c.pageSize)
	length := (entry.EndLBA - entry.StartLBA + 1) * uint64(c.pageSize)
	return s.FormatRaw(context.Background(), addr, length)
}

func runFooter(args []string) error {
	fs := flag.NewFlagSet("footer", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mtkclient footer <out>")
	}
	const footerSize = 128 * 1024

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := identify(s, c); err != nil {
		return err
	}
	entries, err := s.GetGPT(context.Background(), int(c.pageSize))
	if err != nil {
		return err
	}
	entry, _, ok := storage.DetectPartition(entries, "userdata")
	if !ok {
		return fmt.Errorf("userdata partition not found")
	}
	end := (entry.EndLBA + 1) * uint64(c.pageSize)
	addr := end - footerSize

	data, err := s.ReadRaw(context.Background(), addr, footerSize)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(0), data, 0644)
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)

	s, _, err := openSession(c)
	if err != nil {
		return err
	}
	return s.Close()
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}
	_, err = fmt.Sscanf(s, "%d", &v)
	return v, err
}
