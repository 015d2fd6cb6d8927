package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nergy-se/envoy/pkg/api/v1/config"
	"github.com/nergy-se/envoy/pkg/envoy"
	"github.com/nergy-se/envoy/pkg/modbusclient"
	"github.com/nergy-se/envoy/pkg/version"
	"github.com/sirupsen/logrus"
)

const pollInterval = 30 * time.Second

// placeholders written to a new configuration
const (
	defaultHost   = "0.0.0.0"
	defaultSerial = "00000000"
)

func main() {
	showVersion := flag.Bool("version", false, "display driver version")
	debug := flag.Bool("debug", false, "display diagnostic information while running")
	info := flag.Bool("info", false, "display information about the envoy")
	host := flag.String("host", "localhost", "host or ip address of the envoy")
	serial := flag.String("serial", "", "serial number of the envoy, needed for -inverters")
	inverters := flag.Bool("inverters", false, "also display per inverter production")
	stanza := flag.Bool("stanza", false, "print the default configuration")
	prompt := flag.Bool("prompt", false, "prompt for host and serial and print the configuration")

	meterAddr := flag.String("meter-addr", "", "read a modbus tcp grid meter at this address and exit")
	slaveID := flag.Int("slave", 1, "modbus slave id")
	holdingreg := flag.Int("holdingreg", -1, "holding register to read")
	inputreg := flag.Int("inputreg", -1, "input register to read")
	words := flag.Int("words", 1, "register width in 16 bit words, 1 or 2")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(1)
	}
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *stanza:
		err = printStanza(os.Stdout, defaultHost, defaultSerial)
	case *prompt:
		err = promptStanza(os.Stdin, os.Stdout)
	case *meterAddr != "":
		err = readMeter(*meterAddr, *slaveID, *holdingreg, *inputreg, *words)
	case *info:
		c := envoy.New(*host)
		var s string
		s, err = c.Info(ctx)
		if err == nil {
			fmt.Println(s)
		}
	default:
		err = poll(ctx, *host, *serial, *inverters)
	}
	if err != nil && ctx.Err() == nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func poll(ctx context.Context, host, serial string, inverters bool) error {
	cfg := &config.Config{Serial: serial}
	c := envoy.New(host, envoy.WithCredentials(envoy.DigestUser, cfg.DigestPassword()))
	fmt.Printf("query: %s\n", c.URL())
	for {
		p, err := c.Production(ctx)
		if err != nil {
			return err
		}
		b, _ := json.Marshal(p)
		fmt.Printf("%d: %s\n", time.Now().Unix(), b)

		if inverters {
			invs, err := c.Inverters(ctx)
			if err != nil {
				logrus.Errorf("inverters: %s", err)
			} else {
				b, _ = json.Marshal(invs)
				fmt.Printf("%d: %s\n", time.Now().Unix(), b)
			}
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printStanza(w io.Writer, host, serial string) error {
	c, err := config.Defaults()
	if err != nil {
		return err
	}
	c.Host = host
	c.Serial = serial
	return config.Stanza(w, c)
}

// promptStanza asks for host and serial and prints the resulting configuration.
func promptStanza(r io.Reader, w io.Writer) error {
	in := bufio.NewReader(r)
	host, err := ask(in, w, "Specify the hostname or IP address of the Envoy", defaultHost)
	if err != nil {
		return err
	}
	serial, err := ask(in, w, "Specify the serial number of the Envoy", defaultSerial)
	if err != nil {
		return err
	}
	return printStanza(w, host, serial)
}

func ask(in *bufio.Reader, w io.Writer, question, dflt string) (string, error) {
	fmt.Fprintf(w, "%s [%s]: ", question, dflt)
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return dflt, nil
	}
	return line, nil
}

func readMeter(addr string, slaveID, holdingreg, inputreg, words int) error {
	client := modbusclient.NewTCP(addr, slaveID)
	defer client.Close()

	var v int
	var err error
	switch {
	case holdingreg >= 0 && words == 2:
		v, err = client.ReadHoldingRegister32(uint16(holdingreg))
	case holdingreg >= 0:
		v, err = client.ReadHoldingRegister16(uint16(holdingreg))
	case inputreg >= 0 && words == 2:
		v, err = client.ReadInputRegister32(uint16(inputreg))
	case inputreg >= 0:
		v, err = client.ReadInputRegister16(uint16(inputreg))
	default:
		return fmt.Errorf("one of -holdingreg or -inputreg is required")
	}
	if err != nil {
		return err
	}
	fmt.Println("value is:", v)
	return nil
}
