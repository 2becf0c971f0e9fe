// Command caskctl is a thin RPC client for a running caskd server.
package main

import (
	"fmt"
	"net/rpc"
	"os"

	"github.com/nullseed/caskdb/rpcserve"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  caskctl [-addr host:port] get <key>\n")
	fmt.Fprintf(os.Stderr, "  caskctl [-addr host:port] put <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  caskctl [-addr host:port] delete <key>\n")
	fmt.Fprintf(os.Stderr, "  caskctl [-addr host:port] merge\n")
	os.Exit(1)
}

func main() {
	args := os.Args[1:]

	addr := "localhost:1729"
	if len(args) >= 2 && args[0] == "-addr" {
		addr = args[1]
		args = args[2:]
	}

	if len(args) < 1 {
		usage()
	}

	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer client.Close() // nolint:errcheck

	switch action := args[0]; action {
	case "get":
		if len(args) != 2 {
			usage()
		}
		var reply rpcserve.GetReply
		err := client.Call("Store.Get", &rpcserve.GetArgs{Key: []byte(args[1])}, &reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(reply.Value))

	case "put":
		if len(args) != 3 {
			usage()
		}
		var reply struct{}
		err := client.Call("Store.Put", &rpcserve.PutArgs{Key: []byte(args[1]), Value: []byte(args[2])}, &reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "put: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "delete":
		if len(args) != 2 {
			usage()
		}
		var reply struct{}
		err := client.Call("Store.Delete", &rpcserve.DeleteArgs{Key: []byte(args[1])}, &reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "delete: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "merge":
		var reply struct{}
		err := client.Call("Store.Merge", &struct{}{}, &reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "merge: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		usage()
	}
}
