package main

import (
	"log"
	"os"

	cli "github.com/proxmox/ceph-sub001/internal/cli/filestore"
)

func main() {
	if err := cli.NewApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
