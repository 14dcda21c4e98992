// lqsrctl is a thin mutual-TLS command-line client for a node's
// Control Plane API (spec.md §6), exercising pkg/mtls.Client the way
// lqsrd exercises pkg/mtls's certificate generation: one mints and
// serves the mTLS material, the other consumes it to authenticate as
// an administrator.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lqsrnet/meshcore/pkg/mtls"
)

func main() {
	var (
		node    = flag.String("node", "", "node address, e.g. 127.0.0.1:8443")
		caFile  = flag.String("ca", "", "path to CA certificate")
		cert    = flag.String("cert", "", "path to client certificate")
		key     = flag.String("key", "", "path to client private key")
		adapter = flag.String("adapter", "", "adapter name (required by most commands)")
		dest    = flag.String("dest", "", "destination address (for the route command)")
	)
	flag.Parse()

	if *node == "" || *caFile == "" || *cert == "" || *key == "" {
		log.Fatal("usage: lqsrctl -node <addr> -ca <file> -cert <file> -key <file> <command> [args]")
	}
	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("missing command: list-adapters | health | settings | route | reset")
	}

	client, err := mtls.NewClient(&mtls.Config{
		CAFile:   *caFile,
		CertFile: *cert,
		KeyFile:  *key,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		log.Fatalf("create mtls client: %v", err)
	}
	defer client.Close()

	if err := run(client, *node, *adapter, *dest, args); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(client *mtls.Client, node, adapter, dest string, args []string) error {
	switch args[0] {
	case "health":
		return client.HealthCheck(node)
	case "list-adapters":
		names, err := client.ListAdapters(node)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "settings":
		requireAdapter(adapter)
		var out map[string]any
		if err := client.GetAdapterSettings(node, adapter, &out); err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "route":
		requireAdapter(adapter)
		if dest == "" {
			log.Fatal("route requires -dest")
		}
		var out map[string]any
		if err := client.QuerySourceRoute(node, adapter, dest, &out); err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	case "reset":
		requireAdapter(adapter)
		return client.ResetStatistics(node, adapter)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func requireAdapter(adapter string) {
	if adapter == "" {
		fmt.Fprintln(os.Stderr, "this command requires -adapter")
		os.Exit(1)
	}
}
