package downloader_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/downloader"
	"github.com/airbusgeo/copernicus-downloader/interface/provider"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// MokeProgress records the progress reported per name
type MokeProgress struct {
	mu    sync.Mutex
	calls map[string][]int64
	total int64
}

func (p *MokeProgress) Progress(ctx context.Context, name string, current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string][]int64{}
	}
	p.calls[name] = append(p.calls[name], current)
	p.total = total
}

var _ = Describe("Finalizer", func() {
	var (
		dir       string
		err       error
		finalizer downloader.Finalizer
		files     = map[string]string{
			"product/manifest.safe":              "manifest",
			"product/measurement/s1a-iw-vv.tiff": "vv",
			"product/measurement/s1a-iw-vh.tiff": "vh",
		}
	)

	BeforeEach(func() {
		dir, err = os.MkdirTemp("", "finalizer")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	expectExtracted := func(target string) {
		for name, content := range files {
			b, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(name)))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(Equal(content))
		}
	}

	It("should extract a zip archive next to it", func() {
		archive := filepath.Join(dir, "p.zip")
		Expect(writeZip(archive, files)).To(Succeed())
		progress := &MokeProgress{}

		path, err := finalizer.Finalize(ctx, archive, true, progress)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(dir, "p")))
		expectExtracted(path)
		Expect(archive).To(BeAnExistingFile())
		Expect(progress.calls["p.zip"]).To(Equal([]int64{1, 2, 3}))
		Expect(progress.total).To(BeEquivalentTo(3))
	})

	It("should extract a tar.gz archive", func() {
		archive := filepath.Join(dir, "p.tar.gz")
		Expect(writeTarGz(archive, files)).To(Succeed())

		path, err := finalizer.Finalize(ctx, archive, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(dir, "p")))
		expectExtracted(path)
	})

	It("should return the archive if extraction is disabled", func() {
		archive := filepath.Join(dir, "p.zip")
		Expect(writeZip(archive, files)).To(Succeed())

		path, err := finalizer.Finalize(ctx, archive, false, provider.NopProgress{})
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(archive))
		Expect(filepath.Join(dir, "p")).NotTo(BeAnExistingFile())
	})

	It("should return a file that is not an archive", func() {
		file := filepath.Join(dir, "p.nc")
		Expect(os.WriteFile(file, []byte("netcdf"), 0644)).To(Succeed())

		path, err := finalizer.Finalize(ctx, file, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(file))
	})

	It("should reject the files outside the target directory", func() {
		archive := filepath.Join(dir, "evil.zip")
		Expect(writeZip(archive, map[string]string{"../outside.txt": "evil"})).To(Succeed())

		_, err := finalizer.Finalize(ctx, archive, true, nil)
		Expect(err).To(HaveOccurred())
		Expect(filepath.Join(dir, "outside.txt")).NotTo(BeAnExistingFile())
	})

	It("should fail on a corrupted archive", func() {
		archive := filepath.Join(dir, "corrupted.zip")
		Expect(os.WriteFile(archive, []byte("not a zip"), 0644)).To(Succeed())

		_, err := finalizer.Finalize(ctx, archive, true, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RecordResolver", func() {
	var (
		dir      string
		err      error
		resolver downloader.RecordResolver
		settings downloader.Settings
		product  *common.Product
	)

	BeforeEach(func() {
		dir, err = os.MkdirTemp("", "resolver")
		Expect(err).NotTo(HaveOccurred())
		settings = downloader.Config{OutputsPrefix: dir}.With(downloader.Options{})
		product = newProduct(s1Title, "u1")
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("should resolve a new product", func() {
		res, err := resolver.Resolve(product, settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Downloaded).To(BeFalse())
		Expect(res.Path).To(Equal(filepath.Join(dir, s1Title+".zip")))
		Expect(res.RecordPath).To(Equal(downloader.RecordPath(dir, product)))
	})

	It("should resolve a recorded product", func() {
		res, _ := resolver.Resolve(product, settings)
		Expect(writeZip(res.Path, files1())).To(Succeed())
		Expect(resolver.WriteRecord(res, product)).To(Succeed())

		res2, err := resolver.Resolve(product, settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2.Downloaded).To(BeTrue())
		Expect(res2.Path).To(Equal(res.Path))
	})

	It("should prefer the extracted directory if it is the only artifact", func() {
		res, _ := resolver.Resolve(product, settings)
		Expect(os.MkdirAll(filepath.Join(dir, s1Title), 0755)).To(Succeed())
		Expect(resolver.WriteRecord(res, product)).To(Succeed())

		res2, err := resolver.Resolve(product, settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2.Downloaded).To(BeTrue())
		Expect(res2.Path).To(Equal(filepath.Join(dir, s1Title)))
	})

	It("should remove a stale record", func() {
		res, _ := resolver.Resolve(product, settings)
		Expect(writeZip(res.Path, files1())).To(Succeed())
		Expect(os.MkdirAll(filepath.Dir(res.RecordPath), 0755)).To(Succeed())
		Expect(os.WriteFile(res.RecordPath, []byte("another location"), 0644)).To(Succeed())

		res2, err := resolver.Resolve(product, settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2.Downloaded).To(BeFalse())
		Expect(res.RecordPath).NotTo(BeAnExistingFile())
	})

	It("should sanitize the title", func() {
		product = common.NewProduct("a/b c", "u9", "", remote("u9"))
		res, err := resolver.Resolve(product, settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Path).To(Equal(filepath.Join(dir, "a_b_c.zip")))
	})
})

func files1() map[string]string {
	return map[string]string{"manifest.safe": "manifest"}
}
