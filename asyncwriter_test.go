package adb

import "log"

func ExampleDevice_DoSyncLocalFile() {
	client := New("", 0)
	dev := client.Device(AnyDevice())

	w, err := dev.DoSyncLocalFile("/data/local/tmp/tmp.txt", "adb.go", 0644)
	if err != nil {
		log.Fatal(err)
	}

Loop:
	for {
		select {
		case <-w.C:
			log.Printf("transferred %v / %v bytes (%.2f%%)",
				w.BytesCompleted(), w.TotalSize, 100*w.Progress())
		case <-w.DoneCopy:
			log.Printf("local read finished")
		case <-w.Done:
			log.Printf("push finished")
			break Loop
		}
	}
	log.Printf("push error: %v", w.Err())
}
