package skills

// dictionary groups the curated keyword list by domain. Entries are stored
// lower-case; NFC normalization is applied once when the extractor is built.
var dictionary = map[string][]string{
	"languages": {
		"python", "javascript", "java", "c++", "c#", "php", "ruby", "go", "rust", "swift",
		"kotlin", "typescript", "scala", "r", "matlab", "perl", "dart", "objective-c",
	},
	"web": {
		"react", "angular", "vue", "nodejs", "express", "django", "flask", "laravel",
		"spring", "asp.net", "html", "css", "sass", "less", "bootstrap", "tailwind",
		"jquery", "webpack", "babel", "npm", "yarn",
	},
	"databases": {
		"mysql", "postgresql", "mongodb", "redis", "elasticsearch", "oracle", "sqlite",
		"sql server", "cassandra", "dynamodb", "firebase",
	},
	"cloud": {
		"aws", "azure", "gcp", "docker", "kubernetes", "jenkins", "gitlab ci", "github actions",
		"terraform", "ansible", "chef", "puppet", "vagrant", "nginx", "apache",
	},
	"mobile": {
		"android", "ios", "react native", "flutter", "xamarin", "ionic", "cordova",
	},
	"data": {
		"machine learning", "deep learning", "tensorflow", "pytorch", "pandas", "numpy",
		"scikit-learn", "jupyter", "tableau", "power bi", "spark", "hadoop",
	},
	"tools": {
		"git", "svn", "jira", "confluence", "slack", "trello", "asana", "figma", "sketch",
		"photoshop", "illustrator", "indesign", "after effects", "premiere",
	},
	"soft": {
		"teamwork", "leadership", "communication", "problem solving", "critical thinking",
		"project management", "analytical", "creative", "adaptable", "time management",
		"customer service", "presentation", "negotiation", "mentoring", "coaching",
	},
	"vi_technical": {
		"lập trình", "phát triển web", "phát triển ứng dụng", "thiết kế web", "thiết kế ui/ux",
		"cơ sở dữ liệu", "hệ thống", "mạng máy tính", "bảo mật", "kiểm thử phần mềm",
		"phân tích dữ liệu", "trí tuệ nhân tạo", "học máy", "blockchain", "iot",
	},
	"vi_soft": {
		"giao tiếp", "làm việc nhóm", "lãnh đạo", "sáng tạo", "quản lý dự án",
		"phân tích", "giải quyết vấn đề", "tư duy logic", "thuyết trình", "đàm phán",
		"chăm sóc khách hàng", "quản lý thời gian", "làm việc độc lập", "học hỏi nhanh",
	},
	"business": {
		"marketing", "sales", "business analysis", "financial analysis", "accounting",
		"hr management", "recruitment", "training", "consulting", "strategy",
	},
	"vi_business": {
		"marketing", "bán hàng", "phân tích kinh doanh", "kế toán", "tài chính",
		"nhân sự", "tuyển dụng", "đào tạo", "tư vấn", "chiến lược kinh doanh",
	},
}

// Keywords returns the distinct dictionary entries across all groups.
func Keywords() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range dictionary {
		for _, kw := range group {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}
