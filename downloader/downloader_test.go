package downloader_test

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/downloader"
	"github.com/airbusgeo/copernicus-downloader/interface/provider"
	"github.com/airbusgeo/copernicus-downloader/service"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const (
	s1Title = "S1A_IW_GRDH_1SDV_20190115T170106_20190115T170133_025491_02D361_7F7C"
	s2Title = "S2B_MSIL1C_20190108T104429_N0207_R008_T32UNF_20190108T124859"
	s3Title = "S2A_MSIL2A_20200405T103021_N0214_R108_T31TCJ_20200405T135409"
)

func remote(uuid string) string {
	return "https://catalogue.dataspace.copernicus.eu/odata/v1/Products(" + uuid + ")/$value"
}

func newProduct(title, uuid string) *common.Product {
	return common.NewProduct(title, uuid, "S1_SAR_GRD", remote(uuid))
}

func boolPtr(b bool) *bool { return &b }

var _ = Describe("Downloader", func() {
	var (
		dir    string
		client *MokeClient
		dl     *downloader.Downloader
		config downloader.Config
		paths  []string
		err    error
	)

	BeforeEach(func() {
		dir, err = os.MkdirTemp("", "downloader")
		Expect(err).NotTo(HaveOccurred())
		client = NewMokeClient(map[string]string{"u1": s1Title, "u2": s2Title, "u3": s3Title})
		config = downloader.Config{
			OutputsPrefix:       dir,
			DefaultWaitInterval: time.Millisecond,
			DefaultTimeout:      time.Millisecond,
		}
		dl = downloader.NewDownloader(client, config)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Describe("downloading a new product", func() {
		var product *common.Product

		BeforeEach(func() {
			product = newProduct(s1Title, "u1")
			paths, err = dl.DownloadAll(ctx, []*common.Product{product}, 0, 0, downloader.Options{})
		})

		It("should return the path of the archive", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip")}))
			Expect(paths[0]).To(BeAnExistingFile())
		})

		It("should record the download", func() {
			record, err := os.ReadFile(downloader.RecordPath(dir, product))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(record)).To(Equal(remote("u1")))
			Expect(filepath.Dir(downloader.RecordPath(dir, product))).To(Equal(filepath.Join(dir, downloader.RecordDir)))
		})

		It("should update the location of the product", func() {
			Expect(product.Location).To(Equal("file://" + paths[0]))
			Expect(product.RemoteLocation).To(Equal(remote("u1")))
			Expect(product.StorageStatus).To(Equal(common.StatusONLINE))
		})

		It("should call the client once", func() {
			Expect(client.Calls).To(Equal(1))
			Expect(client.Requested).To(Equal([][]string{{"u1"}}))
		})

		It("should not download it again", func() {
			again := newProduct(s1Title, "u1")
			paths2, err := dl.DownloadAll(ctx, []*common.Product{again}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths2).To(Equal(paths))
			Expect(again.Location).To(Equal(product.Location))
			Expect(client.Calls).To(Equal(1))
		})

		It("should download it again if the archive was removed", func() {
			Expect(os.Remove(paths[0])).To(Succeed())
			paths2, err := dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths2).To(Equal(paths))
			Expect(client.Calls).To(Equal(2))
			Expect(downloader.RecordPath(dir, product)).To(BeAnExistingFile())
		})

		It("should download it again if the record was removed", func() {
			Expect(os.Remove(downloader.RecordPath(dir, product))).To(Succeed())
			_, err := dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Calls).To(Equal(2))
		})

		It("should reuse a product already pointing to a local file", func() {
			local := newProduct(s2Title, "u2")
			local.SetLocalPath(paths[0])
			paths2, err := dl.DownloadAll(ctx, []*common.Product{local}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths2).To(Equal(paths))
			Expect(client.Calls).To(Equal(1))
		})
	})

	Describe("extracting", func() {
		It("should return the extracted directory", func() {
			product := newProduct(s1Title, "u1")
			paths, err = dl.DownloadAll(ctx, []*common.Product{product}, 0, 0, downloader.Options{Extract: boolPtr(true)})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title)}))
			Expect(paths[0]).To(BeADirectory())
			content, err := os.ReadFile(filepath.Join(paths[0], s1Title, "manifest.safe"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("u1"))
			Expect(product.Location).To(Equal("file://" + paths[0]))

			By("keeping the archive")
			Expect(filepath.Join(dir, s1Title+".zip")).To(BeAnExistingFile())

			By("reusing the extracted directory")
			paths2, err := dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{Extract: boolPtr(true)})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths2).To(Equal(paths))
			Expect(client.Calls).To(Equal(1))
		})

		It("should reuse the archive when extraction is disabled", func() {
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{Extract: boolPtr(true)})
			Expect(err).NotTo(HaveOccurred())
			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip")}))
			Expect(client.Calls).To(Equal(1))
		})

		It("should use the extraction of the config", func() {
			config.Extract = true
			dl = downloader.NewDownloader(client, config)
			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title)}))
		})
	})

	Describe("downloading several products", func() {
		It("should preserve the order of the request", func() {
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s2Title, "u2")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())

			paths, err = dl.DownloadAll(ctx, []*common.Product{
				newProduct(s3Title, "u3"),
				newProduct(s2Title, "u2"),
				newProduct(s1Title, "u1"),
			}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{
				filepath.Join(dir, s3Title+".zip"),
				filepath.Join(dir, s2Title+".zip"),
				filepath.Join(dir, s1Title+".zip"),
			}))
			Expect(client.Requested[1]).To(Equal([]string{"u1", "u3"}))
		})

		It("should isolate the failures", func() {
			client.Broken["u2"] = true
			client.Offline["u3"] = true
			p3 := newProduct(s3Title, "u3")
			p2 := newProduct(s2Title, "u2")
			paths, err = dl.DownloadAll(ctx, []*common.Product{p3, p2, newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip")}))

			Expect(downloader.RecordPath(dir, p2)).NotTo(BeAnExistingFile())
			Expect(downloader.RecordPath(dir, p3)).NotTo(BeAnExistingFile())
			Expect(p2.Location).To(Equal(p2.RemoteLocation))
			Expect(p3.Location).To(Equal(p3.RemoteLocation))
			Expect(p3.StorageStatus).To(Equal(common.StatusSTAGING))
		})

		It("should request a duplicated uuid once", func() {
			p1, p2 := newProduct(s1Title, "u1"), newProduct(s1Title, "u1")
			paths, err = dl.DownloadAll(ctx, []*common.Product{p1, p2}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Requested).To(Equal([][]string{{"u1"}}))
			Expect(paths).To(HaveLen(2))
			Expect(paths[0]).To(Equal(paths[1]))
			Expect(p1.Location).To(Equal(p2.Location))
		})

		It("should give each product of a duplicated uuid its own file", func() {
			p1, p2 := newProduct(s1Title, "u1"), newProduct("S1A_alias", "u1")
			paths, err = dl.DownloadAll(ctx, []*common.Product{p1, p2}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Requested).To(Equal([][]string{{"u1"}}))
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip"), filepath.Join(dir, "S1A_alias.zip")}))
			Expect(paths[0]).To(BeAnExistingFile())
			Expect(paths[1]).To(BeAnExistingFile())

			By("reusing both files")
			paths2, err := dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1"), newProduct("S1A_alias", "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths2).To(Equal(paths))
			Expect(client.Calls).To(Equal(1))
		})

		It("should give each product of a duplicated uuid its own file across directories", func() {
			other, err := os.MkdirTemp("", "transfer")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(other)
			client.TransferDir = other

			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1"), newProduct("S1A_alias", "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(HaveLen(2))
			Expect(paths[0]).To(BeAnExistingFile())
			Expect(paths[1]).To(BeAnExistingFile())
			Expect(filepath.Join(other, s1Title+".zip")).NotTo(BeAnExistingFile())
		})

		It("should not call the client when nothing is pending", func() {
			paths, err = dl.DownloadAll(ctx, nil, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(BeEmpty())
			Expect(client.Calls).To(Equal(0))
		})

		It("should skip a product without uuid", func() {
			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(BeEmpty())
			Expect(client.Calls).To(Equal(0))
		})
	})

	Describe("relocating", func() {
		It("should move the product to the resolved path", func() {
			other, err := os.MkdirTemp("", "transfer")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(other)
			client.TransferDir = other

			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip")}))
			Expect(paths[0]).To(BeAnExistingFile())
			Expect(filepath.Join(other, s1Title+".zip")).NotTo(BeAnExistingFile())
		})

		It("should follow the layout", func() {
			config.Layout = "{MISSION_ID}/{YEAR}"
			dl = downloader.NewDownloader(client, config)
			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s2Title, "u2")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, "S2B", "2019", s2Title+".zip")}))
			Expect(paths[0]).To(BeAnExistingFile())
		})

		It("should fail only the product that cannot be relocated", func() {
			client.Lost["u2"] = true
			p2 := newProduct(s2Title, "u2")
			paths, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1"), p2, newProduct(s3Title, "u3")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(dir, s1Title+".zip"), filepath.Join(dir, s3Title+".zip")}))
			Expect(downloader.RecordPath(dir, p2)).NotTo(BeAnExistingFile())
			Expect(p2.Location).To(Equal(p2.RemoteLocation))
		})

		It("should not take a leftover file for a new download", func() {
			other, err := os.MkdirTemp("", "transfer")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(other)
			client.TransferDir = other
			client.Lost["u2"] = true
			leftover := filepath.Join(dir, s2Title+".zip")
			Expect(writeZip(leftover, files1())).To(Succeed())

			p2 := newProduct(s2Title, "u2")
			paths, err = dl.DownloadAll(ctx, []*common.Product{p2}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(BeEmpty())
			Expect(downloader.RecordPath(dir, p2)).NotTo(BeAnExistingFile())
			Expect(p2.Location).To(Equal(p2.RemoteLocation))
		})

		It("should use the output directory of the options", func() {
			out, err := os.MkdirTemp("", "output")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(out)
			product := newProduct(s1Title, "u1")
			paths, err = dl.DownloadAll(ctx, []*common.Product{product}, 0, 0, downloader.Options{OutputDir: out})
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(Equal([]string{filepath.Join(out, s1Title+".zip")}))
			Expect(downloader.RecordPath(out, product)).To(BeAnExistingFile())
			Expect(dl.Config().OutputsPrefix).To(Equal(dir))
		})
	})

	Describe("waiting for offline products", func() {
		It("should give the wait interval and the timeout to the client", func() {
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 3*time.Second, 7*time.Second, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.RetryDelays).To(Equal([]time.Duration{3 * time.Second}))
			Expect(client.Timeouts).To(Equal([]time.Duration{7 * time.Second}))
		})

		It("should use the defaults of the config", func() {
			config.DefaultWaitInterval = 2 * time.Minute
			config.DefaultTimeout = 20 * time.Minute
			dl = downloader.NewDownloader(client, config)
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.RetryDelays).To(Equal([]time.Duration{2 * time.Minute}))
			Expect(client.Timeouts).To(Equal([]time.Duration{20 * time.Minute}))
		})
	})

	Describe("reporting the progress", func() {
		It("should report the extraction apart from the transfers", func() {
			transfers, extractions := &MokeProgress{}, &MokeProgress{}
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0,
				downloader.Options{Extract: boolPtr(true), Progress: transfers, ExtractProgress: extractions})
			Expect(err).NotTo(HaveOccurred())
			Expect(extractions.calls).To(HaveKey(s1Title + ".zip"))
			Expect(transfers.calls).To(BeEmpty())
		})
	})

	Describe("errors", func() {
		It("should return ErrNotAvailable for a single offline product", func() {
			client.Offline["u1"] = true
			_, err = dl.Download(ctx, newProduct(s1Title, "u1"), 0, 0, downloader.Options{})
			var e service.ErrNotAvailable
			Expect(errors.As(err, &e)).To(BeTrue())
			Expect(e.Product).To(Equal(s1Title))
			Expect(e.Status).To(Equal("STAGING"))
		})

		It("should return the path of a single product", func() {
			path, err := dl.Download(ctx, newProduct(s1Title, "u1"), 0, 0, downloader.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(dir, s1Title+".zip")))
		})

		It("should return a request error if the transfer failed", func() {
			client.Err = errors.New("connection refused")
			_, err = dl.DownloadAll(ctx, []*common.Product{newProduct(s1Title, "u1")}, 0, 0, downloader.Options{})
			var e service.ErrRequest
			Expect(errors.As(err, &e)).To(BeTrue())
			Expect(e.Cause).To(Equal(client.Err))
		})
	})
})

var _ = Describe("Config", func() {
	It("should apply the options without modifying the config", func() {
		config := downloader.Config{OutputsPrefix: "/data", Extract: true}
		s := config.With(downloader.Options{OutputDir: "/other", Extract: boolPtr(false), Checksum: boolPtr(false), MaxAttempts: 5})
		Expect(s.OutputDir).To(Equal("/other"))
		Expect(s.Extract).To(BeFalse())
		Expect(s.Transfer.Checksum).To(BeFalse())
		Expect(s.Transfer.MaxAttempts).To(Equal(5))
		Expect(config.OutputsPrefix).To(Equal("/data"))
		Expect(config.Extract).To(BeTrue())
	})

	It("should use the defaults", func() {
		s := downloader.Config{}.With(downloader.Options{})
		Expect(s.OutputDir).To(Equal(filepath.Join(os.TempDir(), "copernicus-downloader")))
		Expect(s.Extract).To(BeFalse())
		Expect(s.Transfer.Checksum).To(BeTrue())
		Expect(s.Transfer.MaxAttempts).To(Equal(3))
		Expect(s.Transfer.Concurrency).To(Equal(2))
		Expect(s.Transfer.Progress).NotTo(BeNil())
		Expect(s.ExtractProgress).To(Equal(provider.NopProgress{}))
	})
})
